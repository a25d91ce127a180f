package packet

import (
	"net/netip"
)

// Address family numbers from the IANA registry, used by all encoded
// address formats.
const (
	familyIPv4 = 1
	familyIPv6 = 2

	encodingNative = 0
)

// Encoded Group flags.
const groupFlagZoneScope = 0x01

// Encoded Source flags.
const (
	SourceFlagSparse   = 0x01
	SourceFlagWildcard = 0x02
	SourceFlagRPT      = 0x04
)

// EncodedUnicast is the Encoded Unicast address format.
type EncodedUnicast struct {
	Addr netip.Addr
}

// EncodedGroup is the Encoded Group address format.
type EncodedGroup struct {
	Addr      netip.Addr
	MaskLen   uint8
	ZoneScope bool
}

// EncodedSource is the Encoded Source address format. The three flag bits
// distinguish the four entry variants carried in Join/Prune messages.
type EncodedSource struct {
	Addr     netip.Addr
	MaskLen  uint8
	Sparse   bool
	Wildcard bool
	RPT      bool
}

func addrFamily(a netip.Addr) uint8 {
	if a.Is4() {
		return familyIPv4
	}
	return familyIPv6
}

func addrLen(family uint8) int {
	if family == familyIPv4 {
		return 4
	}
	return 16
}

// EncodedUnicastSize returns the wire size of an Encoded Unicast address
// for the given address.
func EncodedUnicastSize(a netip.Addr) int {
	return 2 + a.BitLen()/8
}

// EncodedGroupSize returns the wire size of an Encoded Group address.
func EncodedGroupSize(a netip.Addr) int {
	return 4 + a.BitLen()/8
}

// EncodedSourceSize returns the wire size of an Encoded Source address.
func EncodedSourceSize(a netip.Addr) int {
	return 4 + a.BitLen()/8
}

func (u EncodedUnicast) appendTo(b []byte) []byte {
	b = append(b, addrFamily(u.Addr), encodingNative)
	return append(b, u.Addr.AsSlice()...)
}

func parseEncodedUnicast(b []byte) (EncodedUnicast, []byte, error) {
	if len(b) < 2 {
		return EncodedUnicast{}, nil, ErrTruncated
	}
	family, enc := b[0], b[1]
	if family != familyIPv4 && family != familyIPv6 {
		return EncodedUnicast{}, nil, ErrUnknownFamily
	}
	if enc != encodingNative {
		return EncodedUnicast{}, nil, ErrBadEncoding
	}
	n := addrLen(family)
	if len(b) < 2+n {
		return EncodedUnicast{}, nil, ErrTruncated
	}
	addr, _ := netip.AddrFromSlice(b[2 : 2+n])
	return EncodedUnicast{Addr: addr}, b[2+n:], nil
}

func (g EncodedGroup) appendTo(b []byte) []byte {
	var flags uint8
	if g.ZoneScope {
		flags |= groupFlagZoneScope
	}
	b = append(b, addrFamily(g.Addr), encodingNative, flags, g.MaskLen)
	return append(b, g.Addr.AsSlice()...)
}

func parseEncodedGroup(b []byte) (EncodedGroup, []byte, error) {
	if len(b) < 4 {
		return EncodedGroup{}, nil, ErrTruncated
	}
	family, enc, flags, maskLen := b[0], b[1], b[2], b[3]
	if family != familyIPv4 && family != familyIPv6 {
		return EncodedGroup{}, nil, ErrUnknownFamily
	}
	if enc != encodingNative {
		return EncodedGroup{}, nil, ErrBadEncoding
	}
	n := addrLen(family)
	if len(b) < 4+n {
		return EncodedGroup{}, nil, ErrTruncated
	}
	addr, _ := netip.AddrFromSlice(b[4 : 4+n])
	if int(maskLen) > addr.BitLen() {
		return EncodedGroup{}, nil, ErrBadMaskLen
	}
	return EncodedGroup{
		Addr:      addr,
		MaskLen:   maskLen,
		ZoneScope: flags&groupFlagZoneScope != 0,
	}, b[4+n:], nil
}

func (s EncodedSource) flags() uint8 {
	var flags uint8
	if s.Sparse {
		flags |= SourceFlagSparse
	}
	if s.Wildcard {
		flags |= SourceFlagWildcard
	}
	if s.RPT {
		flags |= SourceFlagRPT
	}
	return flags
}

func (s EncodedSource) appendTo(b []byte) []byte {
	b = append(b, addrFamily(s.Addr), encodingNative, s.flags(), s.MaskLen)
	return append(b, s.Addr.AsSlice()...)
}

func parseEncodedSource(b []byte) (EncodedSource, []byte, error) {
	if len(b) < 4 {
		return EncodedSource{}, nil, ErrTruncated
	}
	family, enc, flags, maskLen := b[0], b[1], b[2], b[3]
	if family != familyIPv4 && family != familyIPv6 {
		return EncodedSource{}, nil, ErrUnknownFamily
	}
	if enc != encodingNative {
		return EncodedSource{}, nil, ErrBadEncoding
	}
	n := addrLen(family)
	if len(b) < 4+n {
		return EncodedSource{}, nil, ErrTruncated
	}
	addr, _ := netip.AddrFromSlice(b[4 : 4+n])
	if int(maskLen) > addr.BitLen() {
		return EncodedSource{}, nil, ErrBadMaskLen
	}
	return EncodedSource{
		Addr:     addr,
		MaskLen:  maskLen,
		Sparse:   flags&SourceFlagSparse != 0,
		Wildcard: flags&SourceFlagWildcard != 0,
		RPT:      flags&SourceFlagRPT != 0,
	}, b[4+n:], nil
}
