package pim

import (
	"time"
)

// SG-only behavior: the keepalive timer, the SPT bit, and the
// SPT-switch reaction.

// keepalivePeriod is the normal keepalive, raised to the register-decap
// floor at the RP so register state survives suppression cycles.
func (m *MRE) keepalivePeriod() time.Duration {
	period := m.node.cfg.KeepalivePeriod
	if m.iAmRP {
		rpFloor := 3*m.node.cfg.RegisterSuppression + m.node.cfg.RegisterProbe
		if rpFloor > period {
			period = rpFloor
		}
	}
	return period
}

// restartKeepalive (re)arms the SG keepalive and re-derives the
// could-register flag, which is defined only while the keepalive runs.
func (m *MRE) restartKeepalive() {
	if m.kind != KindSG {
		return
	}
	m.keepaliveTimer.Schedule(m.keepalivePeriod())
	m.recomputeCouldRegister()
}

// keepaliveExpired tears down the SG soft state: the forwarding entry goes
// away and the entry is removed once nothing else holds it.
func (m *MRE) keepaliveExpired() {
	m.node.log.Debug("keepalive expired", "source", m.Source, "group", m.Group)
	m.wasSPTSwitchDesired = false
	m.sptBit = false
	m.recomputeCouldRegister()
	m.node.deleteMFC(m.Source, m.Group)
	m.reevaluateUpstream()
	m.tryRemove()
}

// setSPTBit sets the SPT bit. The transition is monotonic within the
// entry's lifetime; only keepalive expiry (entry teardown) clears it.
func (m *MRE) setSPTBit() {
	if m.kind != KindSG || m.sptBit {
		return
	}
	m.sptBit = true
	m.node.log.Debug("spt bit set", "source", m.Source, "group", m.Group)
	// Moving to the SPT changes JoinDesired(S,G) and may make the
	// shared-tree prune for this source desirable.
	m.node.reevaluateGroup(m.Group)
}

// sptSwitchFired reacts to the SPT-switch dataflow monitor: bandwidth over
// the shared tree crossed the configured threshold, so this router starts
// the source tree.
func (m *MRE) sptSwitchFired() {
	if m.kind != KindSG {
		return
	}
	m.restartKeepalive()
	if !m.wasSPTSwitchDesired {
		m.wasSPTSwitchDesired = true
		m.node.log.Info("spt switch desired", "source", m.Source, "group", m.Group)
	}
	m.reevaluateUpstream()
	if m.upstreamState == UpstreamJoined {
		// The switch wants the source tree now, not at the next periodic
		// interval.
		m.sendUpstreamJoin()
		m.joinTimer.Schedule(m.tPeriodic())
	}
}

// updateSPTBitOnIIF implements the protocol's Update_SPTbit: a data packet
// arriving on the interface toward S while the upstream (S,G) Join is in
// place confirms the source tree is delivering.
func (m *MRE) updateSPTBitOnIIF(vifIndex uint16) {
	if m.kind != KindSG || m.sptBit {
		return
	}
	if vifIndex != m.rpfInterfaceS() || vifIndex == InvalidVifIndex {
		return
	}
	wc := m.wcEntryForGroup()
	switch {
	case m.directlyConnectedS:
		m.setSPTBit()
	case m.upstreamState == UpstreamJoined:
		m.setSPTBit()
	case wc == nil || m.nbrRPFSG != wc.nbrRPFWC:
		m.setSPTBit()
	}
}
