// Package kernel abstracts the kernel multicast forwarding engine. The PIM
// core programs (S,G) forwarding entries through the Forwarder interface
// and consumes upcalls (cache misses, wrong-interface arrivals, whole
// packets for Register encapsulation) as in-band messages.
package kernel

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/vifset"
)

// UpcallType tags a kernel upcall.
type UpcallType int

const (
	// UpcallNoCache reports a multicast packet with no matching MFC.
	UpcallNoCache UpcallType = iota
	// UpcallWrongVif reports a packet that arrived on a non-iif interface.
	UpcallWrongVif
	// UpcallWholePacket delivers a full packet for Register encapsulation
	// on the DR.
	UpcallWholePacket
)

func (t UpcallType) String() string {
	switch t {
	case UpcallNoCache:
		return "nocache"
	case UpcallWrongVif:
		return "wrongvif"
	case UpcallWholePacket:
		return "wholepacket"
	}
	return "unknown"
}

// Upcall is one kernel-originated signal.
type Upcall struct {
	Type     UpcallType
	VifIndex uint16
	Source   netip.Addr
	Group    netip.Addr
	Packet   []byte // payload for UpcallWholePacket
}

// SGCount is the per-(S,G) statistics triple read from the kernel.
type SGCount struct {
	Packets      uint64
	Bytes        uint64
	WrongVifPkts uint64
}

// Forwarder is the kernel multicast forwarding interface.
type Forwarder interface {
	// AddMFC installs or replaces the (S,G) forwarding entry.
	AddMFC(source, group netip.Addr, iif uint16, oifs, wrongVifSuppress vifset.Set, rp netip.Addr) error

	// DeleteMFC removes the (S,G) forwarding entry.
	DeleteMFC(source, group netip.Addr) error

	// SGCount reads the packet/byte counters for (S,G).
	SGCount(source, group netip.Addr) (SGCount, error)

	// Upcalls returns the channel delivering kernel upcalls.
	Upcalls() <-chan Upcall
}
