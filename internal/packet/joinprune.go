package packet

import (
	"encoding/binary"
	"net/netip"
)

// Join/Prune protocol limits: the group count is an 8-bit field, the
// per-group source counts are 16-bit fields.
const (
	MaxGroupsPerMessage      = 0xff
	MaxSourcesPerGroup       = 0xffff
	JoinPruneHoldtimeForever = 0xffff
)

// JoinPruneGroup is one group record: the group plus its joined and pruned
// source lists.
type JoinPruneGroup struct {
	Group  EncodedGroup
	Joins  []EncodedSource
	Prunes []EncodedSource
}

// JoinPrune is a parsed PIM Join/Prune message.
type JoinPrune struct {
	UpstreamNeighbor netip.Addr
	Holdtime         uint16
	Groups           []JoinPruneGroup
}

// Size returns the encoded size of the message including the PIM header.
func (jp *JoinPrune) Size() int {
	n := HeaderSize + EncodedUnicastSize(jp.UpstreamNeighbor) + 4
	for i := range jp.Groups {
		n += jp.Groups[i].Size()
	}
	return n
}

// Size returns the encoded size of one group record.
func (g *JoinPruneGroup) Size() int {
	n := EncodedGroupSize(g.Group.Addr) + 4
	for _, s := range g.Joins {
		n += EncodedSourceSize(s.Addr)
	}
	for _, s := range g.Prunes {
		n += EncodedSourceSize(s.Addr)
	}
	return n
}

// Marshal serializes the Join/Prune message with its PIM header.
func (jp *JoinPrune) Marshal() []byte {
	b := make([]byte, HeaderSize, jp.Size())
	b = EncodedUnicast{Addr: jp.UpstreamNeighbor}.appendTo(b)
	b = append(b, 0, uint8(len(jp.Groups)))
	b = binary.BigEndian.AppendUint16(b, jp.Holdtime)
	for i := range jp.Groups {
		g := &jp.Groups[i]
		b = g.Group.appendTo(b)
		b = binary.BigEndian.AppendUint16(b, uint16(len(g.Joins)))
		b = binary.BigEndian.AppendUint16(b, uint16(len(g.Prunes)))
		for _, s := range g.Joins {
			b = s.appendTo(b)
		}
		for _, s := range g.Prunes {
			b = s.appendTo(b)
		}
	}
	finishHeader(b, TypeJoinPrune)
	return b
}

// ParseJoinPrune validates the header and decodes the message body.
func ParseJoinPrune(b []byte) (*JoinPrune, error) {
	t, body, err := checkHeader(b)
	if err != nil {
		return nil, err
	}
	if t != TypeJoinPrune {
		return nil, ErrUnknownType
	}
	upstream, body, err := parseEncodedUnicast(body)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	numGroups := int(body[1])
	holdtime := binary.BigEndian.Uint16(body[2:4])
	body = body[4:]

	jp := &JoinPrune{
		UpstreamNeighbor: upstream.Addr,
		Holdtime:         holdtime,
		Groups:           make([]JoinPruneGroup, 0, numGroups),
	}
	for i := 0; i < numGroups; i++ {
		var g JoinPruneGroup
		g.Group, body, err = parseEncodedGroup(body)
		if err != nil {
			return nil, err
		}
		if len(body) < 4 {
			return nil, ErrTruncated
		}
		joins := int(binary.BigEndian.Uint16(body[0:2]))
		prunes := int(binary.BigEndian.Uint16(body[2:4]))
		body = body[4:]
		for j := 0; j < joins; j++ {
			var s EncodedSource
			s, body, err = parseEncodedSource(body)
			if err != nil {
				return nil, err
			}
			g.Joins = append(g.Joins, s)
		}
		for j := 0; j < prunes; j++ {
			var s EncodedSource
			s, body, err = parseEncodedSource(body)
			if err != nil {
				return nil, err
			}
			g.Prunes = append(g.Prunes, s)
		}
		jp.Groups = append(jp.Groups, g)
	}
	return jp, nil
}
