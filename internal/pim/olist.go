package pim

import (
	"github.com/openmcast/pimsm/internal/vifset"
)

// The olist derivations below combine the four entry classes. They follow
// the protocol's layering: (*,*,RP) and (*,G) downstream interest flows
// down to (S,G) through the (S,G,rpt) per-source suppression entries.

// lostAssertVifs returns the vifs on which this entry lost an Assert.
func (m *MRE) lostAssertVifs() vifset.Set {
	var s vifset.Set
	for idx, a := range m.asserts {
		if a.state == AssertLoser {
			s = s.With(idx)
		}
	}
	return s
}

// sgRptPrunedVifs returns, for an SG-rpt entry, the vifs with an active
// downstream (S,G,rpt) Prune.
func (m *MRE) sgRptPrunedVifs() vifset.Set {
	if m.kind != KindSGRpt {
		return 0
	}
	var s vifset.Set
	for idx, d := range m.downstream {
		if d.state == DownstreamJoin {
			s = s.With(idx)
		}
	}
	return s
}

// rpEntryForGroup returns the (*,*,RP) entry for this entry's RP, if any.
func (m *MRE) rpEntryForGroup() *MRE {
	if !m.hasRPAddr {
		return nil
	}
	return m.node.mres.rp[m.rpAddr]
}

// wcEntryForGroup returns the (*,G) entry for this entry's group, if any.
func (m *MRE) wcEntryForGroup() *MRE {
	if m.kind == KindWC {
		return m
	}
	return m.node.mres.wc[m.Group]
}

// sgEntryFor returns the (S,G) entry matching an SG-rpt entry, if any.
func (m *MRE) sgEntryFor() *MRE {
	if m.kind == KindSG {
		return m
	}
	return m.node.mres.sg[sgKey{m.Source, m.Group}]
}

// sgRptEntryFor returns the (S,G,rpt) entry matching an SG entry, if any.
func (m *MRE) sgRptEntryFor() *MRE {
	if m.kind == KindSGRpt {
		return m
	}
	return m.node.mres.sgRpt[sgKey{m.Source, m.Group}]
}

// immediateOlist is the entry's own downstream interest.
func (m *MRE) immediateOlist() vifset.Set {
	switch m.kind {
	case KindRP:
		return m.joinedVifs()
	case KindWC, KindSG:
		return m.joinedVifs().Union(m.localReceivers).Minus(m.lostAssertVifs())
	}
	return 0
}

// inheritedOlistSGRpt computes the shared-tree interest for (S,G): the
// (*,*,RP) and (*,G) interest minus the per-source rpt prunes. It may be
// called on an SG or SG-rpt entry.
func (m *MRE) inheritedOlistSGRpt() vifset.Set {
	var s vifset.Set
	if rp := m.rpEntryForGroup(); rp != nil {
		s = s.Union(rp.immediateOlist())
	}
	if wc := m.wcEntryForGroup(); wc != nil {
		s = s.Union(wc.immediateOlist())
	}
	if rpt := m.sgRptEntryFor(); rpt != nil {
		s = s.Minus(rpt.sgRptPrunedVifs())
		s = s.Minus(rpt.lostAssertVifs())
	}
	return s
}

// inheritedOlistSG is the full (S,G) forwarding interest.
func (m *MRE) inheritedOlistSG() vifset.Set {
	sg := m.sgEntryFor()
	s := m.inheritedOlistSGRpt()
	if sg != nil {
		s = s.Union(sg.immediateOlist())
	}
	return s
}

// joinDesired decides whether the upstream machine should be in Joined
// state.
func (m *MRE) joinDesired() bool {
	switch m.kind {
	case KindRP:
		if !m.immediateOlist().IsEmpty() {
			return true
		}
		// A (*,G) entry that would join pulls the (*,*,RP) entry up with
		// it.
		for _, wc := range m.node.mres.wc {
			if wc.hasRPAddr && wc.rpAddr == m.Source && wc.joinDesired() {
				return true
			}
		}
		return false

	case KindWC:
		if m.iAmRP {
			return false
		}
		olist := m.immediateOlist()
		if rp := m.rpEntryForGroup(); rp != nil {
			olist = olist.Union(rp.immediateOlist())
		}
		return !olist.IsEmpty()

	case KindSG:
		if m.immediateOlist().Union(m.inheritedOlistSG()).IsEmpty() {
			return false
		}
		if m.sptBit {
			return true
		}
		wc := m.wcEntryForGroup()
		if wc == nil {
			return true
		}
		return m.nbrRPFSG != wc.nbrRPFWC
	}
	return false
}

// pruneDesired decides whether an SG-rpt entry should be in Pruned state:
// either the shared tree is joined but every interface was rpt-pruned for
// this source, or the source moved to the SPT through a different RPF
// neighbor.
func (m *MRE) pruneDesired() bool {
	if m.kind != KindSGRpt {
		return false
	}
	wc := m.wcEntryForGroup()
	rptJoined := wc != nil && wc.upstreamState == UpstreamJoined
	if rptJoined && m.inheritedOlistSGRpt().IsEmpty() {
		return true
	}
	if sg := m.sgEntryFor(); sg != nil && wc != nil {
		if sg.sptBit && wc.nbrRPFWC != sg.nbrRPFSG {
			return true
		}
	}
	return false
}
