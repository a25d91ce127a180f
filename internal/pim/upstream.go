package pim

import (
	"time"
)

// Upstream Join/Prune machine. RP, WC and SG entries move between NoInfo
// and Joined; SG-rpt entries move between RPTNotJoined, Pruned and
// NotPruned. All transitions are driven by reevaluateUpstream, which the
// core calls after any mutation that may flip JoinDesired/PruneDesired.

// tPeriodic is the periodic Join/Prune interval.
func (m *MRE) tPeriodic() time.Duration {
	return m.node.cfg.JoinPrunePeriod
}

// tOverride picks a uniformly random override delay in [0, the link's
// effective override interval], to desynchronize overriding Joins on a
// LAN.
func (m *MRE) tOverride() time.Duration {
	iface := m.RPFInterface()
	override := uint16(defaultOverrideMillis)
	if v := m.node.vifs[iface]; v != nil {
		override = v.EffectiveOverrideInterval()
	}
	if override == 0 {
		return 0
	}
	return time.Duration(m.node.rng.Int64N(int64(override))) * time.Millisecond
}

// reevaluateUpstream runs the upstream machine against the current
// JoinDesired/PruneDesired predicates.
func (m *MRE) reevaluateUpstream() {
	if m.kind == KindSGRpt {
		m.reevaluateUpstreamSGRpt()
		return
	}

	desired := m.joinDesired()
	switch {
	case desired && m.upstreamState == UpstreamNoInfo:
		m.upstreamState = UpstreamJoined
		m.sendUpstreamJoin()
		m.joinTimer.Schedule(m.tPeriodic())
	case !desired && m.upstreamState == UpstreamJoined:
		m.upstreamState = UpstreamNoInfo
		m.sendUpstreamPrune(m.RPFNeighbor())
		m.joinTimer.Stop()
	}
	m.updateMFC()
}

func (m *MRE) reevaluateUpstreamSGRpt() {
	desired := m.pruneDesired()
	wc := m.wcEntryForGroup()
	sameUpstream := wc != nil && m.nbrRPFSGRpt == wc.nbrRPFWC

	switch m.upstreamState {
	case UpstreamRPTNotJoined:
		if desired && sameUpstream {
			m.upstreamState = UpstreamPruned
			m.sendUpstreamPrune(m.RPFNeighbor())
			m.overrideTimer.Schedule(m.tOverride())
		}
	case UpstreamPruned:
		if !desired {
			// Cancel the prune: rejoin the source on the shared tree,
			// then fall back to no-info.
			m.upstreamState = UpstreamNotPruned
			m.sendUpstreamJoin()
			m.upstreamState = UpstreamRPTNotJoined
			m.overrideTimer.Stop()
		}
	case UpstreamNotPruned:
		m.upstreamState = UpstreamRPTNotJoined
	}
	m.updateMFC()
}

// upstreamNeighborChanged reacts to an RPF-neighbor change while the
// machine stays in Joined state: Prune to the old neighbor, Join to the
// new, restart the periodic timer.
func (m *MRE) upstreamNeighborChanged(old, current *Neighbor) {
	switch m.kind {
	case KindSGRpt:
		if m.upstreamState == UpstreamPruned && old != nil {
			// The prune is void at the old upstream.
			m.upstreamState = UpstreamRPTNotJoined
			m.overrideTimer.Stop()
			m.reevaluateUpstream()
		}
		return
	default:
	}

	if m.upstreamState != UpstreamJoined {
		// A neighbor appearing may make a pending join possible.
		m.reevaluateUpstream()
		return
	}
	if old != nil {
		m.sendPruneTo(old)
	}
	if current != nil {
		m.sendUpstreamJoin()
		m.joinTimer.Schedule(m.tPeriodic())
	}
}

// joinTimerFired sends the periodic Join and restarts the timer.
func (m *MRE) joinTimerFired() {
	if m.upstreamState != UpstreamJoined {
		return
	}
	m.sendUpstreamJoin()
	m.joinTimer.Schedule(m.tPeriodic())
}

// overrideTimerFired sends the delayed overriding Join scheduled when a
// suppressing Prune was seen on the link.
func (m *MRE) overrideTimerFired() {
	switch m.kind {
	case KindSGRpt:
		if m.upstreamState == UpstreamPruned && !m.pruneDesired() {
			m.upstreamState = UpstreamRPTNotJoined
			m.sendUpstreamJoin()
		}
	default:
		if m.upstreamState == UpstreamJoined {
			m.sendUpstreamJoin()
		}
	}
}

// neighborGenIDChanged handles an upstream restart: re-announce Joined
// state promptly by pulling the Join timer down to t_override.
func (m *MRE) neighborGenIDChanged(nbr *Neighbor) {
	if m.upstreamState != UpstreamJoined || m.RPFNeighbor() != nbr {
		return
	}
	override := m.tOverride()
	if m.joinTimer.Remaining() > override {
		m.joinTimer.Schedule(override)
	}
}

// neighborAppeared handles a new neighbor on the link the same way: the
// newcomer must learn our Joined state without waiting a full period.
func (m *MRE) neighborAppeared() {
	if m.upstreamState != UpstreamJoined {
		return
	}
	override := m.tOverride()
	if m.joinTimer.Remaining() > override {
		m.joinTimer.Schedule(override)
	}
}

// seenSuppressingJoin processes another router's Join on the LAN for this
// entry toward our RPF neighbor: periodic Joins are suppressed by
// extending the Join timer by a random 1.1-1.4 factor of the period.
func (m *MRE) seenSuppressingJoin(holdtime uint16) {
	if m.upstreamState != UpstreamJoined {
		return
	}
	v := m.node.vifs[m.RPFInterface()]
	if v == nil || !v.JoinSuppressionEnabled() {
		return
	}
	if time.Duration(holdtime)*time.Second < m.tPeriodic() {
		return
	}
	factor := suppressionFactorMin +
		m.node.rng.Float64()*(suppressionFactorMax-suppressionFactorMin)
	suppressed := time.Duration(float64(m.tPeriodic()) * factor)
	if suppressed > m.joinTimer.Remaining() {
		m.joinTimer.Schedule(suppressed)
	}
}

// seenSuppressingPrune processes another router's Prune on the LAN that
// would remove state we depend on: schedule an overriding Join within
// [0, t_override].
func (m *MRE) seenSuppressingPrune() {
	if m.kind == KindSGRpt {
		// An rpt-prune on the LAN is overridden only when we still want
		// the source on the shared tree.
		if m.pruneDesired() {
			return
		}
		m.overrideTimer.Schedule(m.tOverride())
		return
	}
	if m.upstreamState != UpstreamJoined {
		return
	}
	override := m.tOverride()
	if !m.overrideTimer.Scheduled() || m.overrideTimer.Remaining() > override {
		m.overrideTimer.Schedule(override)
	}
}
