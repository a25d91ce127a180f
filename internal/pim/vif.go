// Package pim implements the PIM Sparse Mode control plane: the multicast
// routing entry table and its state machines, the neighbor table, RPF
// computation, the Join/Prune assembler, the RP mapping consumer, and the
// multicast forwarding cache layer with its dataflow monitors.
package pim

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/packet"
)

// InvalidVifIndex marks "no interface".
const InvalidVifIndex = uint16(0xffff)

// Vif is one PIM-capable virtual interface.
type Vif struct {
	node *Node

	Index       uint16
	Name        string
	PrimaryAddr netip.Addr
	Subnets     []netip.Prefix
	MTU         int

	Enabled       bool
	IsRegisterVif bool
	PointToPoint  bool

	DRPriority uint32
	GenID      uint32
	DR         netip.Addr

	neighbors  map[netip.Addr]*Neighbor
	helloTimer *eventloop.Timer

	// Per-vif message counters, by packet type.
	rxCount map[packet.Type]uint64
	txCount map[packet.Type]uint64
}

func newVif(node *Node, index uint16, name string) *Vif {
	v := &Vif{
		node:       node,
		Index:      index,
		Name:       name,
		MTU:        1500,
		DRPriority: packet.DefaultDRPriority,
		GenID:      node.rng.Uint32(),
		neighbors:  make(map[netip.Addr]*Neighbor),
		rxCount:    make(map[packet.Type]uint64),
		txCount:    make(map[packet.Type]uint64),
	}
	v.helloTimer = node.loop.NewTimer(v.helloTimerFired)
	return v
}

// IsMyAddr reports whether addr is one of this vif's local addresses.
func (v *Vif) IsMyAddr(addr netip.Addr) bool {
	return v.PrimaryAddr == addr
}

// DirectlyConnected reports whether addr is on-link for this vif.
func (v *Vif) DirectlyConnected(addr netip.Addr) bool {
	for _, p := range v.Subnets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Neighbor returns the neighbor with the given primary address, if any.
func (v *Vif) Neighbor(addr netip.Addr) *Neighbor {
	return v.neighbors[addr]
}

// NeighborCount returns the number of live neighbors on the vif.
func (v *Vif) NeighborCount() int { return len(v.neighbors) }

// IAmDR reports whether this router is the elected DR on the vif.
func (v *Vif) IAmDR() bool {
	return !v.DR.IsValid() || v.DR == v.PrimaryAddr
}

// electDR recomputes the designated router for the vif. The winner has the
// numerically highest DR priority, ties broken by the numerically highest
// address. If any neighbor did not announce a DR priority, the election
// falls back to address-only comparison.
func (v *Vif) electDR() {
	prioUsable := true
	for _, n := range v.neighbors {
		if !n.HasDRPriority {
			prioUsable = false
			break
		}
	}

	winner := v.PrimaryAddr
	winnerPrio := v.DRPriority
	for _, n := range v.neighbors {
		if prioUsable {
			if n.DRPriority > winnerPrio ||
				(n.DRPriority == winnerPrio && n.Addr.Compare(winner) > 0) {
				winner = n.Addr
				winnerPrio = n.DRPriority
			}
		} else if n.Addr.Compare(winner) > 0 {
			winner = n.Addr
		}
	}

	if v.DR != winner {
		v.node.log.Info("DR changed", "vif", v.Name, "dr", winner)
		v.DR = winner
		v.node.mres.enqueueTask(taskIAmDRChanged, taskKey{vifIndex: v.Index})
	}
}

// lanPruneDelayUsable reports whether every neighbor on the link announced
// the LAN-prune-delay option. If not, the link reverts to the default delay
// values.
func (v *Vif) lanPruneDelayUsable() bool {
	for _, n := range v.neighbors {
		if !n.HasLANPruneDelay {
			return false
		}
	}
	return true
}

// EffectivePropagationDelay returns the LAN delay in effect on the link, in
// milliseconds.
func (v *Vif) EffectivePropagationDelay() uint16 {
	if !v.lanPruneDelayUsable() {
		return defaultLANDelayMillis
	}
	delay := v.node.lanDelayMillis
	for _, n := range v.neighbors {
		if n.LANPruneDelay.DelayMillis > delay {
			delay = n.LANPruneDelay.DelayMillis
		}
	}
	return delay
}

// EffectiveOverrideInterval returns the override interval in effect on the
// link, in milliseconds.
func (v *Vif) EffectiveOverrideInterval() uint16 {
	if !v.lanPruneDelayUsable() {
		return defaultOverrideMillis
	}
	override := v.node.overrideMillis
	for _, n := range v.neighbors {
		if n.LANPruneDelay.OverrideMillis > override {
			override = n.LANPruneDelay.OverrideMillis
		}
	}
	return override
}

// JoinSuppressionEnabled reports whether periodic Join suppression is in
// effect on the link. Suppression is disabled only when every neighbor set
// the T-bit.
func (v *Vif) JoinSuppressionEnabled() bool {
	if !v.lanPruneDelayUsable() {
		return true
	}
	for _, n := range v.neighbors {
		if !n.LANPruneDelay.TBit {
			return true
		}
	}
	return false
}
