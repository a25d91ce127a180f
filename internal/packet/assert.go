package packet

import (
	"encoding/binary"
	"net/netip"
)

// Assert metric infinity values, used when asserting with no route.
const (
	AssertMaxMetricPreference = 0x7fffffff
	AssertMaxMetric           = 0xffffffff

	assertRPTBit = 1 << 31
)

// Assert is a parsed PIM Assert message. The rpt-bit rides in the high bit
// of the metric-preference word on the wire.
type Assert struct {
	Group            EncodedGroup
	Source           netip.Addr
	RPTBit           bool
	MetricPreference uint32 // 31 bits
	Metric           uint32
}

// Marshal serializes the Assert with its PIM header.
func (a *Assert) Marshal() []byte {
	b := make([]byte, HeaderSize, HeaderSize+32)
	b = a.Group.appendTo(b)
	b = EncodedUnicast{Addr: a.Source}.appendTo(b)
	pref := a.MetricPreference &^ assertRPTBit
	if a.RPTBit {
		pref |= assertRPTBit
	}
	b = binary.BigEndian.AppendUint32(b, pref)
	b = binary.BigEndian.AppendUint32(b, a.Metric)
	finishHeader(b, TypeAssert)
	return b
}

// ParseAssert validates the header and decodes the message body.
func ParseAssert(b []byte) (*Assert, error) {
	t, body, err := checkHeader(b)
	if err != nil {
		return nil, err
	}
	if t != TypeAssert {
		return nil, ErrUnknownType
	}
	a := &Assert{}
	a.Group, body, err = parseEncodedGroup(body)
	if err != nil {
		return nil, err
	}
	src, body, err := parseEncodedUnicast(body)
	if err != nil {
		return nil, err
	}
	a.Source = src.Addr
	if len(body) < 8 {
		return nil, ErrTruncated
	}
	pref := binary.BigEndian.Uint32(body[0:4])
	a.RPTBit = pref&assertRPTBit != 0
	a.MetricPreference = pref &^ assertRPTBit
	a.Metric = binary.BigEndian.Uint32(body[4:8])
	return a, nil
}
