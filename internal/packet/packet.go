// Package packet implements the PIM version 2 wire codec: the common
// message header, the encoded address formats, and the Hello, Join/Prune,
// Assert, Register, Register-Stop and Bootstrap message bodies.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PIM is carried directly over IP.
const (
	ProtocolNumber = 103
	Version        = 2

	// HeaderSize is the fixed PIM header: version/type, reserved, checksum.
	HeaderSize = 4
)

// Type is the 4-bit PIM message type from the common header.
type Type uint8

const (
	TypeHello        Type = 0
	TypeRegister     Type = 1
	TypeRegisterStop Type = 2
	TypeJoinPrune    Type = 3
	TypeBootstrap    Type = 4
	TypeAssert       Type = 5
	TypeGraft        Type = 6
	TypeGraftAck     Type = 7
	TypeCandRPAdv    Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeRegister:
		return "register"
	case TypeRegisterStop:
		return "register-stop"
	case TypeJoinPrune:
		return "join-prune"
	case TypeBootstrap:
		return "bootstrap"
	case TypeAssert:
		return "assert"
	case TypeGraft:
		return "graft"
	case TypeGraftAck:
		return "graft-ack"
	case TypeCandRPAdv:
		return "cand-rp-adv"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

var (
	ErrTruncated     = errors.New("pim: truncated message")
	ErrBadVersion    = errors.New("pim: unsupported version")
	ErrBadChecksum   = errors.New("pim: bad checksum")
	ErrUnknownType   = errors.New("pim: unknown message type")
	ErrUnknownFamily = errors.New("pim: unknown address family")
	ErrBadEncoding   = errors.New("pim: unknown address encoding type")
	ErrBadMaskLen    = errors.New("pim: mask length exceeds address width")
	ErrBadOption     = errors.New("pim: malformed option")
)

// Checksum computes the standard 16-bit internet checksum over b.
func Checksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// PeekType returns the message type without validating the checksum.
func PeekType(b []byte) (Type, error) {
	if len(b) < HeaderSize {
		return 0, ErrTruncated
	}
	if b[0]>>4 != Version {
		return 0, ErrBadVersion
	}
	return Type(b[0] & 0x0f), nil
}

// finishHeader writes the version/type octet and the checksum into a fully
// assembled message. For Register messages the checksum covers only the
// header and the flags word; for everything else it covers the whole payload.
func finishHeader(b []byte, t Type) {
	b[0] = Version<<4 | uint8(t)
	b[1] = 0
	b[2], b[3] = 0, 0
	covered := b
	if t == TypeRegister && len(b) >= registerChecksumLen {
		covered = b[:registerChecksumLen]
	}
	binary.BigEndian.PutUint16(b[2:4], Checksum(covered))
}

// checkHeader validates version, type and checksum, returning the message
// type and the body following the fixed header.
func checkHeader(b []byte) (Type, []byte, error) {
	t, err := PeekType(b)
	if err != nil {
		return 0, nil, err
	}
	covered := b
	if t == TypeRegister {
		if len(b) < registerChecksumLen {
			return 0, nil, ErrTruncated
		}
		covered = b[:registerChecksumLen]
	}
	if Checksum(covered) != 0 {
		return 0, nil, ErrBadChecksum
	}
	return t, b[HeaderSize:], nil
}
