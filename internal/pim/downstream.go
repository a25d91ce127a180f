package pim

import (
	"time"
)

// Downstream per-(entry, interface) machine: NoInfo, Join, PrunePending.
// For SG-rpt entries the machine runs inverted — the Join state records an
// active downstream (S,G,rpt) Prune — so the accessors in olist.go read it
// per kind.

func secondsDuration(s uint16) time.Duration {
	return time.Duration(s) * time.Second
}

// jpOverrideInterval is the PrunePending delay on a vif: zero on
// point-to-point links, propagation delay plus override interval on a LAN.
func (m *MRE) jpOverrideInterval(vifIndex uint16) time.Duration {
	v := m.node.vifs[vifIndex]
	if v == nil || v.PointToPoint || v.NeighborCount() <= 1 {
		return 0
	}
	ms := int64(v.EffectivePropagationDelay()) + int64(v.EffectiveOverrideInterval())
	return time.Duration(ms) * time.Millisecond
}

// receiveDownstreamJoin moves the vif to Join state and refreshes its
// expiry from the received holdtime.
func (m *MRE) receiveDownstreamJoin(vifIndex uint16, holdtime uint16) {
	d := m.downstreamVif(vifIndex)
	prev := d.state
	d.state = DownstreamJoin
	d.prunePendingTimer.Stop()
	if holdtime == 0xffff {
		d.expiryTimer.Stop()
	} else {
		d.expiryTimer.Schedule(secondsDuration(holdtime))
	}
	if prev != DownstreamJoin {
		m.node.log.Debug("downstream join", "kind", m.kind, "group", m.Group,
			"source", m.Source, "vif", vifIndex)
		m.downstreamChanged()
	}
}

// receiveDownstreamPrune starts the PrunePending countdown; another
// router's Join on the LAN may override before it fires.
func (m *MRE) receiveDownstreamPrune(vifIndex uint16, holdtime uint16) {
	if m.kind == KindSGRpt {
		m.receiveSGRptPrune(vifIndex, holdtime)
		return
	}
	d := m.downstream[vifIndex]
	if d == nil || d.state != DownstreamJoin {
		// Prune in NoInfo state is ignored.
		return
	}
	d.state = DownstreamPrunePending
	d.prunePendingTimer.Schedule(m.jpOverrideInterval(vifIndex))
	m.downstreamChanged()
}

// receiveSGRptPrune installs a per-source shared-tree prune. With no (*,G)
// state a transient SG-rpt entry was already created by the caller.
func (m *MRE) receiveSGRptPrune(vifIndex uint16, holdtime uint16) {
	d := m.downstreamVif(vifIndex)
	prev := d.state
	d.state = DownstreamJoin // Join state encodes "prune active" on SG-rpt
	d.prunePendingTimer.Stop()
	d.expiryTimer.Schedule(secondsDuration(holdtime))
	if prev != DownstreamJoin {
		m.downstreamChanged()
	}
}

// cancelSGRptPrune clears a shared-tree prune, either from an explicit
// (S,G,rpt) Join or from a (*,G) Join with no matching prune in the same
// message (the end-of-message rule).
func (m *MRE) cancelSGRptPrune(vifIndex uint16) {
	d := m.downstream[vifIndex]
	if d == nil || d.state == DownstreamNoInfo {
		return
	}
	d.state = DownstreamNoInfo
	d.expiryTimer.Stop()
	d.prunePendingTimer.Stop()
	m.downstreamChanged()
}

// prunePendingFired completes a prune: the vif drops to NoInfo.
func (m *MRE) prunePendingFired(vifIndex uint16) {
	d := m.downstream[vifIndex]
	if d == nil || d.state != DownstreamPrunePending {
		return
	}
	d.state = DownstreamNoInfo
	d.expiryTimer.Stop()
	m.node.log.Debug("downstream pruned", "kind", m.kind, "group", m.Group,
		"source", m.Source, "vif", vifIndex)
	m.downstreamChanged()
	m.tryRemove()
}

// downstreamExpired handles holdtime expiry of downstream state.
func (m *MRE) downstreamExpired(vifIndex uint16) {
	d := m.downstream[vifIndex]
	if d == nil || d.state == DownstreamNoInfo {
		return
	}
	d.state = DownstreamNoInfo
	d.prunePendingTimer.Stop()
	m.downstreamChanged()
	m.tryRemove()
}

// setDownstreamJoinForever pins a vif in Join state with no expiry, used
// for the Register tunnel pseudo-interface.
func (m *MRE) setDownstreamJoinForever(vifIndex uint16) {
	d := m.downstreamVif(vifIndex)
	if d.state == DownstreamJoin {
		return
	}
	d.state = DownstreamJoin
	d.expiryTimer.Stop()
	d.prunePendingTimer.Stop()
	m.downstreamChanged()
}

// clearDownstream drops a vif to NoInfo immediately.
func (m *MRE) clearDownstream(vifIndex uint16) {
	d := m.downstream[vifIndex]
	if d == nil || d.state == DownstreamNoInfo {
		return
	}
	d.state = DownstreamNoInfo
	d.expiryTimer.Stop()
	d.prunePendingTimer.Stop()
	m.downstreamChanged()
}

// downstreamChanged propagates an olist change: the whole group's entry
// web re-derives JoinDesired and the forwarding state.
func (m *MRE) downstreamChanged() {
	if m.kind == KindRP {
		m.reevaluateUpstream()
		// (*,*,RP) interest feeds every group mapped to this RP.
		for _, wc := range m.node.mres.wc {
			if wc.hasRPAddr && wc.rpAddr == m.Source {
				m.node.reevaluateGroup(wc.Group)
			}
		}
		return
	}
	m.node.reevaluateGroup(m.Group)
}
