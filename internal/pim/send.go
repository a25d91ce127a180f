package pim

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/config"
	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/packet"
)

var (
	allPIMRouters4 = netip.MustParseAddr("224.0.0.13")
	allPIMRouters6 = netip.MustParseAddr("ff02::d")

	allMulticast4 = netip.MustParseAddr("224.0.0.0")
	allMulticast6 = netip.MustParseAddr("ff00::")
)

// allPIMRouters returns the ALL-PIM-ROUTERS destination for the family of
// the sample address.
func allPIMRouters(sample netip.Addr) netip.Addr {
	if sample.Is4() {
		return allPIMRouters4
	}
	return allPIMRouters6
}

// allMulticastBase returns the wildcard group record used by (*,*,RP)
// entries.
func allMulticastBase(sample netip.Addr) (netip.Addr, uint8) {
	if sample.Is4() {
		return allMulticast4, 4
	}
	return allMulticast6, 8
}

// Sender is the link-level PIM packet output interface.
type Sender interface {
	Send(vifIndex uint16, src, dst netip.Addr, payload []byte) error
}

// sendMessage transmits one PIM message on a vif, counting it. Link-layer
// failures are dropped; periodic timers re-originate the state.
func (node *Node) sendMessage(v *Vif, dst netip.Addr, t packet.Type, payload []byte) {
	if node.sender == nil || !v.Enabled {
		return
	}
	v.txCount[t]++
	metrics.TxMessages.WithLabelValues(t.String(), v.Name).Inc()
	if err := node.sender.Send(v.Index, v.PrimaryAddr, dst, payload); err != nil {
		node.log.Debug("send failed", "vif", v.Name, "type", t, "error", err)
	}
}

// sendJoinPrune emits one assembled Join/Prune packet.
func (node *Node) sendJoinPrune(v *Vif, jp *packet.JoinPrune) {
	node.sendMessage(v, allPIMRouters(v.PrimaryAddr), packet.TypeJoinPrune, jp.Marshal())
}

// jpHoldtime is the holdtime announced in Join/Prune messages.
func (node *Node) jpHoldtime() uint16 {
	return config.Holdtime(node.cfg.JoinPrunePeriod)
}

// assemblerEntry describes this entry in Join/Prune wire terms: the group
// record and the encoded source address for its variant.
func (m *MRE) assemblerEntry() (source, group netip.Addr, maskLen uint8, ok bool) {
	switch m.kind {
	case KindRP:
		g, ml := allMulticastBase(m.Source)
		return m.Source, g, ml, true
	case KindWC:
		if !m.hasRPAddr {
			return netip.Addr{}, netip.Addr{}, 0, false
		}
		return m.rpAddr, m.Group, uint8(m.Group.BitLen()), true
	case KindSG, KindSGRpt:
		return m.Source, m.Group, uint8(m.Group.BitLen()), true
	}
	return netip.Addr{}, netip.Addr{}, 0, false
}

// sendUpstreamJoin queues a Join toward the current upstream neighbor.
func (m *MRE) sendUpstreamJoin() {
	nbr := m.RPFNeighbor()
	if nbr == nil {
		m.node.mres.markOrphan(m)
		return
	}
	source, group, maskLen, ok := m.assemblerEntry()
	if !ok {
		return
	}
	_ = m.node.assembler.Add(nbr.VifIndex(), nbr.Addr, source, group, maskLen,
		m.kind, ActionJoin, m.node.jpHoldtime())
}

// sendUpstreamPrune queues a Prune toward a neighbor, typically the
// current upstream.
func (m *MRE) sendUpstreamPrune(nbr *Neighbor) {
	if nbr == nil {
		return
	}
	m.sendPruneTo(nbr)
}

func (m *MRE) sendPruneTo(nbr *Neighbor) {
	source, group, maskLen, ok := m.assemblerEntry()
	if !ok {
		return
	}
	_ = m.node.assembler.Add(nbr.VifIndex(), nbr.Addr, source, group, maskLen,
		m.kind, ActionPrune, m.node.jpHoldtime())
}
