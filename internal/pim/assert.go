package pim

import (
	"net/netip"
	"strconv"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/packet"
)

// AssertState is the per-(entry, interface) Assert machine state.
type AssertState uint8

const (
	AssertNoInfo AssertState = iota
	AssertWinner
	AssertLoser
)

func (s AssertState) String() string {
	switch s {
	case AssertNoInfo:
		return "NoInfo"
	case AssertWinner:
		return "IAmWinner"
	case AssertLoser:
		return "IAmLoser"
	}
	return "unknown"
}

// AssertMetric orders forwarders on a LAN: lexicographically by (rpt-bit,
// preference, metric), with the numerically higher address winning ties.
type AssertMetric struct {
	RPTBit     bool
	Preference uint32
	Metric     uint32
	Addr       netip.Addr
}

// infiniteAssertMetric is the metric used when no route exists.
func infiniteAssertMetric(addr netip.Addr) AssertMetric {
	return AssertMetric{
		RPTBit:     true,
		Preference: packet.AssertMaxMetricPreference,
		Metric:     packet.AssertMaxMetric,
		Addr:       addr,
	}
}

// Better reports whether m wins against o.
func (m AssertMetric) Better(o AssertMetric) bool {
	if m.RPTBit != o.RPTBit {
		return !m.RPTBit
	}
	if m.Preference != o.Preference {
		return m.Preference < o.Preference
	}
	if m.Metric != o.Metric {
		return m.Metric < o.Metric
	}
	return m.Addr.Compare(o.Addr) > 0
}

type assertVif struct {
	state  AssertState
	winner AssertMetric
	timer  *eventloop.Timer
	// overrideTimer rate-limits winner-side reasserts. Only its
	// scheduled/not-scheduled state is consulted; the callback is a no-op
	// because nothing happens when the window merely elapses.
	overrideTimer *eventloop.Timer
}

func (m *MRE) assertOn(vifIndex uint16) *assertVif {
	a := m.asserts[vifIndex]
	if a == nil {
		a = &assertVif{}
		a.timer = m.node.loop.NewTimer(func() { m.assertTimerFired(vifIndex) })
		a.overrideTimer = m.node.loop.NewTimer(func() {})
		m.asserts[vifIndex] = a
	}
	return a
}

// AssertStateOn returns the Assert machine state on a vif.
func (m *MRE) AssertStateOn(vifIndex uint16) AssertState {
	if a := m.asserts[vifIndex]; a != nil {
		return a.state
	}
	return AssertNoInfo
}

// AssertWinnerOn returns the winning metric recorded on a vif while in
// Loser state.
func (m *MRE) AssertWinnerOn(vifIndex uint16) (AssertMetric, bool) {
	a := m.asserts[vifIndex]
	if a == nil || a.state != AssertLoser {
		return AssertMetric{}, false
	}
	return a.winner, true
}

// myAssertMetric derives this router's metric for the entry: the admin
// distance and metric of the route toward S for SG entries (rpt-bit
// clear), toward the RP for shared-tree entries (rpt-bit set).
func (m *MRE) myAssertMetric(vifIndex uint16) AssertMetric {
	v := m.node.vifs[vifIndex]
	var myAddr netip.Addr
	if v != nil {
		myAddr = v.PrimaryAddr
	}
	if m.kind == KindSG && m.hasMribS {
		return AssertMetric{
			RPTBit:     false,
			Preference: m.mribS.AdminDistance,
			Metric:     m.mribS.Metric,
			Addr:       myAddr,
		}
	}
	if m.kind != KindSG && m.hasMribRP {
		return AssertMetric{
			RPTBit:     true,
			Preference: m.mribRP.AdminDistance,
			Metric:     m.mribRP.Metric,
			Addr:       myAddr,
		}
	}
	return infiniteAssertMetric(myAddr)
}

// receiveAssert runs the Assert machine for an Assert heard on a vif.
func (m *MRE) receiveAssert(vifIndex uint16, from netip.Addr, pkt *packet.Assert) {
	theirs := AssertMetric{
		RPTBit:     pkt.RPTBit,
		Preference: pkt.MetricPreference,
		Metric:     pkt.Metric,
		Addr:       from,
	}
	mine := m.myAssertMetric(vifIndex)
	a := m.assertOn(vifIndex)

	if mine.Better(theirs) {
		// Challenge the inferior forwarder, rate-limited on the winner
		// side by the assert-override timer.
		if a.state != AssertWinner || !a.overrideTimer.Scheduled() {
			m.sendAssert(vifIndex, mine)
			a.overrideTimer.Schedule(m.node.cfg.AssertOverride)
		}
		a.state = AssertWinner
		a.winner = mine
		a.timer.Schedule(m.node.cfg.AssertTime)
		m.assertChanged(vifIndex)
		return
	}

	changed := a.state != AssertLoser || a.winner.Addr != theirs.Addr
	a.state = AssertLoser
	a.winner = theirs
	a.timer.Schedule(m.node.cfg.AssertTime)
	if changed {
		m.node.log.Debug("assert lost", "kind", m.kind, "group", m.Group,
			"source", m.Source, "vif", vifIndex, "winner", theirs.Addr)
		m.assertChanged(vifIndex)
	}
}

// assertTimerFired expires Assert state back to NoInfo.
func (m *MRE) assertTimerFired(vifIndex uint16) {
	a := m.asserts[vifIndex]
	if a == nil || a.state == AssertNoInfo {
		return
	}
	a.state = AssertNoInfo
	a.winner = AssertMetric{}
	m.assertChanged(vifIndex)
	m.tryRemove()
}

// assertChanged re-derives everything an Assert outcome influences: the
// RPF' fields (a Loser adopts the winner as upstream), the olists, and the
// forwarding state.
func (m *MRE) assertChanged(vifIndex uint16) {
	m.recomputeRPF()
	m.downstreamChanged()
	_ = vifIndex
}

// originAssertForWrongVif originates an Assert in response to a WRONGVIF
// kernel upcall, throttled to one per second per (S,G, interface). With no
// route at all the assert is not originated.
func (node *Node) originAssertForWrongVif(m *MRE, vifIndex uint16) {
	if m.kind != KindSG {
		return
	}
	if !m.hasMribS && !m.hasMribRP {
		return
	}
	key := assertLimiterKey(m.Source, m.Group, vifIndex)
	if node.assertLimiter.Has(key) {
		return
	}
	node.assertLimiter.Set(key, struct{}{}, 0)

	mine := m.myAssertMetric(vifIndex)
	m.sendAssert(vifIndex, mine)
	a := m.assertOn(vifIndex)
	a.state = AssertWinner
	a.winner = mine
	a.timer.Schedule(node.cfg.AssertTime)
}

// sendAssert emits an Assert for the entry on a vif.
func (m *MRE) sendAssert(vifIndex uint16, metric AssertMetric) {
	v := m.node.vifs[vifIndex]
	if v == nil || !v.Enabled {
		return
	}
	source := m.Source
	if m.kind == KindWC {
		source = netip.Addr{}
		if m.hasRPAddr {
			source = m.rpAddr
		}
		if !source.IsValid() {
			return
		}
	}
	a := &packet.Assert{
		Group:            packet.EncodedGroup{Addr: m.Group, MaskLen: uint8(m.Group.BitLen())},
		Source:           source,
		RPTBit:           metric.RPTBit,
		MetricPreference: metric.Preference,
		Metric:           metric.Metric,
	}
	m.node.sendMessage(v, allPIMRouters(m.Group), packet.TypeAssert, a.Marshal())
}

func assertLimiterKey(source, group netip.Addr, vifIndex uint16) string {
	return source.String() + "|" + group.String() + "|" + strconv.Itoa(int(vifIndex))
}
