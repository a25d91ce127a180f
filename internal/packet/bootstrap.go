package packet

import (
	"encoding/binary"
	"net/netip"
)

// BootstrapRP is one candidate RP inside a group-prefix record.
type BootstrapRP struct {
	Addr     netip.Addr
	Holdtime uint16
	Priority uint8
}

// BootstrapGroup is one group-prefix record of a Bootstrap message.
type BootstrapGroup struct {
	Prefix EncodedGroup
	RPs    []BootstrapRP
}

// Bootstrap is a parsed PIM Bootstrap message. Only the RP-set content is
// consumed; BSR election is outside this process.
type Bootstrap struct {
	FragmentTag uint16
	HashMaskLen uint8
	BSRPriority uint8
	BSR         netip.Addr
	Groups      []BootstrapGroup
}

// Marshal serializes the Bootstrap with its PIM header.
func (bs *Bootstrap) Marshal() []byte {
	b := make([]byte, HeaderSize, HeaderSize+64)
	b = binary.BigEndian.AppendUint16(b, bs.FragmentTag)
	b = append(b, bs.HashMaskLen, bs.BSRPriority)
	b = EncodedUnicast{Addr: bs.BSR}.appendTo(b)
	for i := range bs.Groups {
		g := &bs.Groups[i]
		b = g.Prefix.appendTo(b)
		b = append(b, uint8(len(g.RPs)), uint8(len(g.RPs)), 0, 0)
		for _, rp := range g.RPs {
			b = EncodedUnicast{Addr: rp.Addr}.appendTo(b)
			b = binary.BigEndian.AppendUint16(b, rp.Holdtime)
			b = append(b, rp.Priority, 0)
		}
	}
	finishHeader(b, TypeBootstrap)
	return b
}

// ParseBootstrap validates the header and decodes the message body.
func ParseBootstrap(b []byte) (*Bootstrap, error) {
	t, body, err := checkHeader(b)
	if err != nil {
		return nil, err
	}
	if t != TypeBootstrap {
		return nil, ErrUnknownType
	}
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	bs := &Bootstrap{
		FragmentTag: binary.BigEndian.Uint16(body[0:2]),
		HashMaskLen: body[2],
		BSRPriority: body[3],
	}
	bsr, body, err := parseEncodedUnicast(body[4:])
	if err != nil {
		return nil, err
	}
	bs.BSR = bsr.Addr
	for len(body) > 0 {
		var g BootstrapGroup
		g.Prefix, body, err = parseEncodedGroup(body)
		if err != nil {
			return nil, err
		}
		if len(body) < 4 {
			return nil, ErrTruncated
		}
		fragRPCount := int(body[1])
		body = body[4:]
		for i := 0; i < fragRPCount; i++ {
			u, rest, err := parseEncodedUnicast(body)
			if err != nil {
				return nil, err
			}
			body = rest
			if len(body) < 4 {
				return nil, ErrTruncated
			}
			g.RPs = append(g.RPs, BootstrapRP{
				Addr:     u.Addr,
				Holdtime: binary.BigEndian.Uint16(body[0:2]),
				Priority: body[2],
			})
			body = body[4:]
		}
		bs.Groups = append(bs.Groups, g)
	}
	return bs, nil
}
