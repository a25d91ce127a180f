package packet

import (
	"encoding/binary"
	"net/netip"
)

// Hello option types and defaults.
const (
	optionHoldtime      = 1
	optionLANPruneDelay = 2
	optionDRPriority    = 19
	optionGenID         = 20
	optionSecondaryAddr = 24

	// HoldtimeForever means the neighbor never expires.
	HoldtimeForever = 0xffff

	// DefaultHelloHoldtime applies when the Holdtime option is absent.
	DefaultHelloHoldtime = 105

	// DefaultDRPriority applies when the DR-priority option is absent.
	DefaultDRPriority = 1

	lanPruneDelayTBit = 1 << 15
)

// LANPruneDelay carries the negotiated per-link prune-delay parameters.
type LANPruneDelay struct {
	TBit           bool // join suppression disabled on the link
	DelayMillis    uint16
	OverrideMillis uint16
}

// Hello is a parsed PIM Hello message. Absent options are reported through
// the Has* fields; unknown options are skipped on parse and never
// re-serialized.
type Hello struct {
	Holdtime    uint16
	HasHoldtime bool

	LANPruneDelay    LANPruneDelay
	HasLANPruneDelay bool

	DRPriority    uint32
	HasDRPriority bool

	GenID    uint32
	HasGenID bool

	SecondaryAddrs []netip.Addr
}

// EffectiveHoldtime returns the holdtime to apply, substituting the
// protocol default when the option was absent.
func (h *Hello) EffectiveHoldtime() uint16 {
	if h.HasHoldtime {
		return h.Holdtime
	}
	return DefaultHelloHoldtime
}

// EffectiveDRPriority returns the DR priority to apply, substituting the
// protocol default when the option was absent.
func (h *Hello) EffectiveDRPriority() uint32 {
	if h.HasDRPriority {
		return h.DRPriority
	}
	return DefaultDRPriority
}

// Marshal serializes the Hello with its PIM header. Options are emitted in
// a fixed order so that parse-then-marshal round-trips byte-identically.
func (h *Hello) Marshal() []byte {
	b := make([]byte, HeaderSize, HeaderSize+64)
	if h.HasHoldtime {
		b = appendOptionHeader(b, optionHoldtime, 2)
		b = binary.BigEndian.AppendUint16(b, h.Holdtime)
	}
	if h.HasLANPruneDelay {
		b = appendOptionHeader(b, optionLANPruneDelay, 4)
		delay := h.LANPruneDelay.DelayMillis & 0x7fff
		if h.LANPruneDelay.TBit {
			delay |= lanPruneDelayTBit
		}
		b = binary.BigEndian.AppendUint16(b, delay)
		b = binary.BigEndian.AppendUint16(b, h.LANPruneDelay.OverrideMillis)
	}
	if h.HasDRPriority {
		b = appendOptionHeader(b, optionDRPriority, 4)
		b = binary.BigEndian.AppendUint32(b, h.DRPriority)
	}
	if h.HasGenID {
		b = appendOptionHeader(b, optionGenID, 4)
		b = binary.BigEndian.AppendUint32(b, h.GenID)
	}
	for _, a := range h.SecondaryAddrs {
		b = appendOptionHeader(b, optionSecondaryAddr, uint16(EncodedUnicastSize(a)))
		b = EncodedUnicast{Addr: a}.appendTo(b)
	}
	finishHeader(b, TypeHello)
	return b
}

func appendOptionHeader(b []byte, typ, length uint16) []byte {
	b = binary.BigEndian.AppendUint16(b, typ)
	return binary.BigEndian.AppendUint16(b, length)
}

// ParseHello validates the header and decodes the option TLVs.
func ParseHello(b []byte) (*Hello, error) {
	t, body, err := checkHeader(b)
	if err != nil {
		return nil, err
	}
	if t != TypeHello {
		return nil, ErrUnknownType
	}
	h := &Hello{}
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, ErrTruncated
		}
		typ := binary.BigEndian.Uint16(body[0:2])
		length := int(binary.BigEndian.Uint16(body[2:4]))
		body = body[4:]
		if len(body) < length {
			return nil, ErrTruncated
		}
		val := body[:length]
		body = body[length:]

		switch typ {
		case optionHoldtime:
			if length != 2 {
				return nil, ErrBadOption
			}
			h.Holdtime = binary.BigEndian.Uint16(val)
			h.HasHoldtime = true
		case optionLANPruneDelay:
			if length != 4 {
				return nil, ErrBadOption
			}
			delay := binary.BigEndian.Uint16(val[0:2])
			h.LANPruneDelay = LANPruneDelay{
				TBit:           delay&lanPruneDelayTBit != 0,
				DelayMillis:    delay & 0x7fff,
				OverrideMillis: binary.BigEndian.Uint16(val[2:4]),
			}
			h.HasLANPruneDelay = true
		case optionDRPriority:
			if length != 4 {
				return nil, ErrBadOption
			}
			h.DRPriority = binary.BigEndian.Uint32(val)
			h.HasDRPriority = true
		case optionGenID:
			if length != 4 {
				return nil, ErrBadOption
			}
			h.GenID = binary.BigEndian.Uint32(val)
			h.HasGenID = true
		case optionSecondaryAddr:
			u, rest, err := parseEncodedUnicast(val)
			if err != nil || len(rest) != 0 {
				return nil, ErrBadOption
			}
			h.SecondaryAddrs = append(h.SecondaryAddrs, u.Addr)
		default:
			// Unknown options are skipped.
		}
	}
	return h, nil
}
