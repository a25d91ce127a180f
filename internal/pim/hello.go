package pim

import (
	"net/netip"
	"time"

	"github.com/openmcast/pimsm/internal/config"
	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/packet"
)

// receiveHello processes a Hello heard on a vif: neighbor creation or
// refresh, GenID restart detection, and DR re-election.
func (node *Node) receiveHello(v *Vif, src netip.Addr, h *packet.Hello) {
	if v.IsMyAddr(src) {
		return
	}
	nbr := v.Neighbor(src)
	if nbr != nil && nbr.HasLANPruneDelay && h.HasLANPruneDelay &&
		nbr.LANPruneDelay.TBit != h.LANPruneDelay.TBit {
		// A neighbor flipping its T-bit after announcing agreement is a
		// policy violation; ignore the offending option, keep the rest.
		metrics.PolicyRejections.WithLabelValues("tbit_disagreement").Inc()
		h = helloWithoutLANPruneDelay(h)
	}

	if h.HasHoldtime && h.Holdtime == 0 {
		// Holdtime zero is an explicit goodbye.
		if nbr != nil {
			node.removeNeighbor(nbr)
		}
		return
	}
	node.upsertNeighbor(v, src, h)
}

func helloWithoutLANPruneDelay(h *packet.Hello) *packet.Hello {
	clone := *h
	clone.HasLANPruneDelay = false
	clone.LANPruneDelay = packet.LANPruneDelay{}
	return &clone
}

// startHellos begins periodic Hello transmission on a vif, with the
// triggered first Hello sent after a short random delay.
func (v *Vif) startHellos() {
	delay := time.Duration(v.node.rng.Int64N(int64(config.DefaultHelloTriggeredDelay)))
	v.helloTimer.Schedule(delay)
}

func (v *Vif) stopHellos() {
	v.helloTimer.Stop()
}

func (v *Vif) helloTimerFired() {
	if !v.Enabled || v.IsRegisterVif {
		return
	}
	v.sendHello()
	v.helloTimer.Schedule(v.node.cfg.HelloPeriod)
}

// sendHello emits one Hello carrying the holdtime, LAN-prune-delay,
// DR-priority and GenID options.
func (v *Vif) sendHello() {
	h := &packet.Hello{
		Holdtime:    config.Holdtime(v.node.cfg.HelloPeriod),
		HasHoldtime: true,
		LANPruneDelay: packet.LANPruneDelay{
			DelayMillis:    v.node.lanDelayMillis,
			OverrideMillis: v.node.overrideMillis,
		},
		HasLANPruneDelay: true,
		DRPriority:       v.DRPriority,
		HasDRPriority:    true,
		GenID:            v.GenID,
		HasGenID:         true,
	}
	v.node.sendMessage(v, allPIMRouters(v.PrimaryAddr), packet.TypeHello, h.Marshal())
}

// sendGoodbye announces holdtime zero so neighbors drop us immediately,
// used on vif disable.
func (v *Vif) sendGoodbye() {
	h := &packet.Hello{
		Holdtime:    0,
		HasHoldtime: true,
		GenID:       v.GenID,
		HasGenID:    true,
	}
	v.node.sendMessage(v, allPIMRouters(v.PrimaryAddr), packet.TypeHello, h.Marshal())
}
