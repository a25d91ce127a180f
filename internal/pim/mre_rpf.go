package pim

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/mrib"
)

// RPF computation. Each entry caches the MRIB snapshot toward the RP and
// toward S, plus the five derived RPF-neighbor fields. Any change to the
// MRIB, the neighbor table, the RP mapping, or Assert state funnels through
// recomputeRPF, which also handles the Joined-state upstream-change
// signaling (Prune to the old neighbor, Join to the new one).

// rpfInterfaceRP returns the interface toward RP(G).
func (m *MRE) rpfInterfaceRP() uint16 {
	if !m.hasMribRP {
		return InvalidVifIndex
	}
	return m.mribRP.VifIndex
}

// rpfInterfaceS returns the interface toward S.
func (m *MRE) rpfInterfaceS() uint16 {
	if !m.hasMribS {
		return InvalidVifIndex
	}
	return m.mribS.VifIndex
}

// RPFInterface returns the entry's upstream interface: toward S for SG
// entries, toward the RP otherwise.
func (m *MRE) RPFInterface() uint16 {
	if m.kind == KindSG {
		return m.rpfInterfaceS()
	}
	return m.rpfInterfaceRP()
}

// RPFNeighbor returns the neighbor the upstream machine sends Join/Prune
// to: RPF'(S,G) for SG entries, RPF'(*,G) for WC, the MRIB next hop toward
// the RP for (*,*,RP), RPF'(S,G,rpt) for SG-rpt.
func (m *MRE) RPFNeighbor() *Neighbor {
	switch m.kind {
	case KindSG:
		return m.nbrRPFSG
	case KindWC:
		return m.nbrRPFWC
	case KindRP:
		return m.nbrMribNextHopRP
	case KindSGRpt:
		return m.nbrRPFSGRpt
	}
	return nil
}

// lookupMribRP refreshes the cached route toward the RP.
func (m *MRE) lookupMribRP() {
	m.hasMribRP = false
	var target netip.Addr
	switch {
	case m.kind == KindRP:
		target = m.Source
	case m.hasRPAddr:
		target = m.rpAddr
	default:
		return
	}
	e, ok := m.node.mrib.Lookup(target)
	if !ok {
		return
	}
	if m.node.vifs[e.VifIndex] == nil {
		metrics.MribInconsistencies.Inc()
		return
	}
	m.mribRP = e
	m.hasMribRP = true
}

// lookupMribS refreshes the cached route toward the source.
func (m *MRE) lookupMribS() {
	m.hasMribS = false
	m.directlyConnectedS = false
	if m.kind != KindSG && m.kind != KindSGRpt {
		return
	}

	// A directly connected source short-circuits the MRIB: the RPF
	// interface is the connected vif and there is no upstream neighbor.
	for _, v := range m.node.vifs {
		if v.Enabled && !v.IsRegisterVif && v.DirectlyConnected(m.Source) {
			m.mribS = mrib.Entry{VifIndex: v.Index}
			m.hasMribS = true
			m.directlyConnectedS = true
			return
		}
	}

	e, ok := m.node.mrib.Lookup(m.Source)
	if !ok {
		return
	}
	if m.node.vifs[e.VifIndex] == nil {
		metrics.MribInconsistencies.Inc()
		return
	}
	m.mribS = e
	m.hasMribS = true
}

// neighborOn resolves an address to a Hello neighbor on a vif.
func (m *MRE) neighborOn(vifIndex uint16, addr netip.Addr) *Neighbor {
	if vifIndex == InvalidVifIndex || !addr.IsValid() {
		return nil
	}
	v := m.node.vifs[vifIndex]
	if v == nil {
		return nil
	}
	return v.neighbors[addr]
}

// assertWinnerOn returns the Assert-winner neighbor on a vif, when this
// entry is in Loser state there.
func (m *MRE) assertWinnerOn(vifIndex uint16) *Neighbor {
	a := m.asserts[vifIndex]
	if a == nil || a.state != AssertLoser {
		return nil
	}
	return m.neighborOn(vifIndex, a.winner.Addr)
}

// recomputeRPF refreshes the MRIB snapshots and all five RPF-neighbor
// fields, then reacts to upstream changes.
func (m *MRE) recomputeRPF() {
	m.lookupMribRP()
	m.lookupMribS()

	var nextHopRP, nextHopS, rpfWC, rpfSG, rpfSGRpt *Neighbor

	if m.hasMribRP {
		nextHopRP = m.neighborOn(m.mribRP.VifIndex, m.mribRP.NextHop)
	}
	if m.hasMribS && !m.directlyConnectedS {
		nextHopS = m.neighborOn(m.mribS.VifIndex, m.mribS.NextHop)
	}

	switch m.kind {
	case KindWC:
		rpfWC = nextHopRP
		if w := m.assertWinnerOn(m.rpfInterfaceRP()); w != nil {
			rpfWC = w
		}
	case KindSG:
		rpfSG = nextHopS
		if w := m.assertWinnerOn(m.rpfInterfaceS()); w != nil {
			rpfSG = w
		}
	case KindSGRpt:
		// RPF'(S,G,rpt) follows the shared tree.
		if wc := m.wcEntryForGroup(); wc != nil {
			rpfSGRpt = wc.nbrRPFWC
		} else {
			rpfSGRpt = nextHopRP
		}
	}

	oldUpstream := m.RPFNeighbor()
	m.setRPFNeighbors(nextHopRP, nextHopS, rpfWC, rpfSG, rpfSGRpt)
	newUpstream := m.RPFNeighbor()

	if newUpstream == nil && !(m.kind == KindSG && m.directlyConnectedS) {
		m.node.mres.markOrphan(m)
	} else {
		m.node.mres.clearOrphan(m)
	}

	if oldUpstream != newUpstream {
		m.upstreamNeighborChanged(oldUpstream, newUpstream)
	}
	m.recomputeCouldRegister()
	m.updateMFC()
}

// setRPFNeighbors installs the five RPF fields while keeping every
// referenced neighbor's dependent-MRE list consistent: the entry appears
// exactly once on each neighbor it references, however many fields agree.
func (m *MRE) setRPFNeighbors(nextHopRP, nextHopS, rpfWC, rpfSG, rpfSGRpt *Neighbor) {
	before := m.referencedNeighbors()

	m.nbrMribNextHopRP = nextHopRP
	m.nbrMribNextHopS = nextHopS
	m.nbrRPFWC = rpfWC
	m.nbrRPFSG = rpfSG
	m.nbrRPFSGRpt = rpfSGRpt

	after := m.referencedNeighbors()

	for nbr := range before {
		if _, still := after[nbr]; !still {
			nbr.removeDependent(m)
		}
	}
	for nbr := range after {
		if _, was := before[nbr]; !was {
			nbr.addDependent(m)
		}
	}
}

func (m *MRE) referencedNeighbors() map[*Neighbor]struct{} {
	out := make(map[*Neighbor]struct{}, 2)
	for _, nbr := range []*Neighbor{
		m.nbrMribNextHopRP, m.nbrMribNextHopS,
		m.nbrRPFWC, m.nbrRPFSG, m.nbrRPFSGRpt,
	} {
		if nbr != nil {
			out[nbr] = struct{}{}
		}
	}
	return out
}

// clearNeighborRefs nulls every RPF field referencing a dead neighbor.
// The caller already spliced the dependent list, so no list update here.
func (m *MRE) clearNeighborRefs(nbr *Neighbor) {
	if m.nbrMribNextHopRP == nbr {
		m.nbrMribNextHopRP = nil
	}
	if m.nbrMribNextHopS == nbr {
		m.nbrMribNextHopS = nil
	}
	if m.nbrRPFWC == nbr {
		m.nbrRPFWC = nil
	}
	if m.nbrRPFSG == nbr {
		m.nbrRPFSG = nil
	}
	if m.nbrRPFSGRpt == nbr {
		m.nbrRPFSGRpt = nil
	}
}

// reattachNeighborRefs re-registers the entry on every neighbor its RPF
// fields reference, used after a task splice emptied those lists.
func (m *MRE) reattachNeighborRefs() {
	for nbr := range m.referencedNeighbors() {
		nbr.addDependent(m)
	}
}
