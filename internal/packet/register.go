package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Register flag bits in the 32-bit flags word following the PIM header.
const (
	registerFlagBorder = 1 << 31
	registerFlagNull   = 1 << 30

	// The Register checksum covers the PIM header and the flags word only,
	// never the encapsulated data packet.
	registerChecksumLen = HeaderSize + 4
)

// Register is a parsed PIM Register message. Inner holds the encapsulated
// IP packet and is empty for a Null-Register.
type Register struct {
	Border bool
	Null   bool
	Inner  []byte
}

// Marshal serializes the Register with its PIM header.
func (r *Register) Marshal() []byte {
	b := make([]byte, HeaderSize, registerChecksumLen+len(r.Inner))
	var flags uint32
	if r.Border {
		flags |= registerFlagBorder
	}
	if r.Null {
		flags |= registerFlagNull
	}
	b = binary.BigEndian.AppendUint32(b, flags)
	if !r.Null {
		b = append(b, r.Inner...)
	}
	finishHeader(b, TypeRegister)
	return b
}

// ParseRegister validates the header and decodes the message body.
func ParseRegister(b []byte) (*Register, error) {
	t, body, err := checkHeader(b)
	if err != nil {
		return nil, err
	}
	if t != TypeRegister {
		return nil, ErrUnknownType
	}
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	flags := binary.BigEndian.Uint32(body[0:4])
	r := &Register{
		Border: flags&registerFlagBorder != 0,
		Null:   flags&registerFlagNull != 0,
	}
	if !r.Null {
		r.Inner = body[4:]
	}
	return r, nil
}

// InnerAddrs decodes the source and group addresses of the encapsulated IP
// packet. For a Null-Register there is no payload and ok is false.
func (r *Register) InnerAddrs() (source, group netip.Addr, ok bool) {
	if r.Null || len(r.Inner) == 0 {
		return netip.Addr{}, netip.Addr{}, false
	}
	switch r.Inner[0] >> 4 {
	case 4:
		pkt := gopacket.NewPacket(r.Inner, layers.LayerTypeIPv4, gopacket.NoCopy)
		ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if ip == nil {
			return netip.Addr{}, netip.Addr{}, false
		}
		src, ok1 := netip.AddrFromSlice(ip.SrcIP.To4())
		dst, ok2 := netip.AddrFromSlice(ip.DstIP.To4())
		return src, dst, ok1 && ok2
	case 6:
		pkt := gopacket.NewPacket(r.Inner, layers.LayerTypeIPv6, gopacket.NoCopy)
		ip, _ := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if ip == nil {
			return netip.Addr{}, netip.Addr{}, false
		}
		src, ok1 := netip.AddrFromSlice(ip.SrcIP)
		dst, ok2 := netip.AddrFromSlice(ip.DstIP)
		return src, dst, ok1 && ok2
	}
	return netip.Addr{}, netip.Addr{}, false
}

// RegisterStop is a parsed PIM Register-Stop message.
type RegisterStop struct {
	Group  EncodedGroup
	Source netip.Addr
}

// Marshal serializes the Register-Stop with its PIM header.
func (rs *RegisterStop) Marshal() []byte {
	b := make([]byte, HeaderSize, HeaderSize+28)
	b = rs.Group.appendTo(b)
	b = EncodedUnicast{Addr: rs.Source}.appendTo(b)
	finishHeader(b, TypeRegisterStop)
	return b
}

// ParseRegisterStop validates the header and decodes the message body.
func ParseRegisterStop(b []byte) (*RegisterStop, error) {
	t, body, err := checkHeader(b)
	if err != nil {
		return nil, err
	}
	if t != TypeRegisterStop {
		return nil, ErrUnknownType
	}
	rs := &RegisterStop{}
	rs.Group, body, err = parseEncodedGroup(body)
	if err != nil {
		return nil, err
	}
	src, _, err := parseEncodedUnicast(body)
	if err != nil {
		return nil, err
	}
	rs.Source = src.Addr
	return rs, nil
}
