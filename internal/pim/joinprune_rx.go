package pim

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/packet"
)

// receiveJoinPrune dispatches a Join/Prune message heard on a vif. When
// the upstream-neighbor field names one of our addresses we run the
// downstream machines; when it names another router on the LAN we apply
// the suppression and override rules to our own upstream state.
func (node *Node) receiveJoinPrune(v *Vif, src netip.Addr, jp *packet.JoinPrune) {
	target := jp.UpstreamNeighbor
	iAmTarget := v.IsMyAddr(target) ||
		(v.PointToPoint && target.IsUnspecified())

	node.log.Debug("join/prune received", "vif", v.Name, "from", src,
		"target", target, "groups", len(jp.Groups), "mine", iAmTarget)
	if iAmTarget {
		node.processJoinPruneAsTarget(v, jp)
	} else {
		node.processJoinPruneOverheard(v, target, jp)
	}
}

func (node *Node) processJoinPruneAsTarget(v *Vif, jp *packet.JoinPrune) {
	for gi := range jp.Groups {
		g := &jp.Groups[gi]
		sawWCJoin := false
		prunedSources := make(map[netip.Addr]struct{})

		for _, s := range g.Joins {
			node.applyJoin(v, g, s, jp.Holdtime)
			if s.Wildcard {
				sawWCJoin = true
			}
		}
		for _, s := range g.Prunes {
			node.applyPrune(v, g, s, jp.Holdtime)
			if s.RPT && !s.Wildcard {
				prunedSources[s.Addr] = struct{}{}
			}
		}

		// End-of-message rule: a (*,G) Join with no matching (S,G,rpt)
		// Prune in the same message cancels existing rpt-prune state for
		// those sources on this interface.
		if sawWCJoin {
			node.mres.ForEachSGRptOfGroup(g.Group.Addr, func(rpt *MRE) {
				if _, pruned := prunedSources[rpt.Source]; !pruned {
					rpt.cancelSGRptPrune(v.Index)
					rpt.tryRemove()
				}
			})
		}
	}
}

// applyJoin runs one join source record through the downstream machines.
func (node *Node) applyJoin(v *Vif, g *packet.JoinPruneGroup, s packet.EncodedSource, holdtime uint16) {
	switch {
	case s.Wildcard && s.RPT:
		if isAllMulticastBase(g.Group.Addr, g.Group.MaskLen) {
			// (*,*,RP): the source field carries the RP address.
			m := node.mres.Find(s.Addr, g.Group.Addr, MaskRP, MaskRP)
			m.receiveDownstreamJoin(v.Index, holdtime)
		} else {
			// (*,G): the source field carries the RP for G; a mismatch
			// with our own mapping is tolerated, the group's RP decides.
			m := node.mres.Find(netip.Addr{}, g.Group.Addr, MaskWC, MaskWC)
			m.receiveDownstreamJoin(v.Index, holdtime)
		}
	case s.RPT:
		// (S,G,rpt) Join cancels a previous rpt prune.
		if m := node.mres.Get(KindSGRpt, s.Addr, g.Group.Addr); m != nil {
			m.cancelSGRptPrune(v.Index)
			m.tryRemove()
		}
	default:
		// (S,G)
		m := node.mres.Find(s.Addr, g.Group.Addr, MaskSG, MaskSG)
		m.receiveDownstreamJoin(v.Index, holdtime)
	}
}

// applyPrune runs one prune source record through the downstream machines.
func (node *Node) applyPrune(v *Vif, g *packet.JoinPruneGroup, s packet.EncodedSource, holdtime uint16) {
	switch {
	case s.Wildcard && s.RPT:
		if isAllMulticastBase(g.Group.Addr, g.Group.MaskLen) {
			if m := node.mres.Get(KindRP, s.Addr, g.Group.Addr); m != nil {
				m.receiveDownstreamPrune(v.Index, holdtime)
				m.tryRemove()
			}
		} else {
			if m := node.mres.Get(KindWC, netip.Addr{}, g.Group.Addr); m != nil {
				m.receiveDownstreamPrune(v.Index, holdtime)
				m.tryRemove()
			}
		}
	case s.RPT:
		// An (S,G,rpt) Prune with no (*,G) state creates a transient
		// SG-rpt entry carrying the suppression.
		m := node.mres.Find(s.Addr, g.Group.Addr, MaskSGRpt, MaskSGRpt)
		m.receiveDownstreamPrune(v.Index, holdtime)
	default:
		if m := node.mres.Get(KindSG, s.Addr, g.Group.Addr); m != nil {
			m.receiveDownstreamPrune(v.Index, holdtime)
			m.tryRemove()
		}
	}
}

// processJoinPruneOverheard applies the LAN suppression rules for a
// Join/Prune addressed to another router.
func (node *Node) processJoinPruneOverheard(v *Vif, target netip.Addr, jp *packet.JoinPrune) {
	for gi := range jp.Groups {
		g := &jp.Groups[gi]
		for _, s := range g.Joins {
			if m := node.overheardEntry(v, g, s); m != nil {
				if nbr := m.RPFNeighbor(); nbr != nil && nbr.HasAddr(target) {
					m.seenSuppressingJoin(jp.Holdtime)
				}
			}
		}
		for _, s := range g.Prunes {
			if m := node.overheardEntry(v, g, s); m != nil {
				if nbr := m.RPFNeighbor(); nbr != nil && nbr.HasAddr(target) {
					m.seenSuppressingPrune()
				}
			}
		}
	}
}

// overheardEntry maps an overheard source record to our matching entry,
// never creating one.
func (node *Node) overheardEntry(v *Vif, g *packet.JoinPruneGroup, s packet.EncodedSource) *MRE {
	switch {
	case s.Wildcard && s.RPT:
		if isAllMulticastBase(g.Group.Addr, g.Group.MaskLen) {
			return node.mres.Get(KindRP, s.Addr, g.Group.Addr)
		}
		return node.mres.Get(KindWC, netip.Addr{}, g.Group.Addr)
	case s.RPT:
		return node.mres.Get(KindSGRpt, s.Addr, g.Group.Addr)
	default:
		return node.mres.Get(KindSG, s.Addr, g.Group.Addr)
	}
}

func isAllMulticastBase(addr netip.Addr, maskLen uint8) bool {
	if addr.Is4() {
		return addr == allMulticast4 && maskLen == 4
	}
	return addr == allMulticast6 && maskLen == 8
}
