package pim

import (
	"net/netip"
	"time"

	"github.com/openmcast/pimsm/internal/packet"
)

// DR-side Register machine for SG entries: NoInfo, Join, JoinPending,
// Prune. The register "tunnel" is the Join state of the well-known
// Register pseudo-vif on the entry, which pulls the vif into the MFC olist
// so the kernel delivers WholePacket upcalls for encapsulation.

// computeCouldRegister derives the could-register predicate: the vif
// toward S is a DR vif, the source is directly connected, the keepalive is
// running, and I am not the RP for the group.
func (m *MRE) computeCouldRegister() bool {
	if m.kind != KindSG {
		return false
	}
	vifIndex := m.rpfInterfaceS()
	if vifIndex == InvalidVifIndex {
		return false
	}
	v := m.node.vifs[vifIndex]
	if v == nil || !v.IAmDR() {
		return false
	}
	return m.KeepaliveRunning() && m.directlyConnectedS && !m.iAmRP
}

// recomputeCouldRegister runs the Register machine against a fresh
// could-register value.
func (m *MRE) recomputeCouldRegister() {
	if m.kind != KindSG {
		return
	}
	could := m.computeCouldRegister()
	if could == m.couldRegister {
		return
	}
	m.couldRegister = could

	if could {
		if m.registerState == RegisterNoInfo {
			m.setRegisterState(RegisterJoin)
			m.addRegisterTunnel()
		}
		return
	}
	// Any state + CouldRegister false -> NoInfo.
	if m.registerState != RegisterNoInfo {
		m.setRegisterState(RegisterNoInfo)
		m.removeRegisterTunnel()
		m.registerStopTimer.Stop()
	}
}

func (m *MRE) setRegisterState(s RegisterState) {
	if m.registerState == s {
		return
	}
	m.node.log.Debug("register state", "source", m.Source, "group", m.Group,
		"from", m.registerState, "to", s)
	m.registerState = s
}

// receiveRegisterStop runs the Register machine for a Register-Stop from
// the RP.
func (m *MRE) receiveRegisterStop() {
	if m.kind != KindSG {
		return
	}
	switch m.registerState {
	case RegisterJoin:
		m.setRegisterState(RegisterPrune)
		m.removeRegisterTunnel()
		m.registerStopTimer.Schedule(m.registerStopInterval())
	case RegisterJoinPending:
		m.setRegisterState(RegisterPrune)
		m.registerStopTimer.Schedule(m.registerStopInterval())
	default:
		// NoInfo and Prune ignore.
	}
}

// registerStopInterval is random(0.5, 1.5) x register_suppression_time
// minus register_probe_time, clamped to a one-second floor so a
// misconfigured suppression time below the probe time cannot produce a
// non-positive schedule.
func (m *MRE) registerStopInterval() time.Duration {
	suppression := m.node.cfg.RegisterSuppression
	factor := 0.5 + m.node.rng.Float64()
	d := time.Duration(float64(suppression)*factor) - m.node.cfg.RegisterProbe
	if d < time.Second {
		d = time.Second
	}
	return d
}

// registerStopTimerFired advances Prune -> JoinPending (probing the RP
// with a Null-Register) and JoinPending -> Join (resuming encapsulation).
func (m *MRE) registerStopTimerFired() {
	switch m.registerState {
	case RegisterPrune:
		m.setRegisterState(RegisterJoinPending)
		m.registerStopTimer.Schedule(m.node.cfg.RegisterProbe)
		m.sendNullRegister()
	case RegisterJoinPending:
		m.setRegisterState(RegisterJoin)
		m.addRegisterTunnel()
	default:
	}
}

// registerRPChanged applies the "RP changed" transition: JoinPending or
// Prune move back to Join and the Register-Stop timer is canceled, so
// registering resumes toward the new RP.
func (m *MRE) registerRPChanged() {
	if m.kind != KindSG {
		return
	}
	switch m.registerState {
	case RegisterJoinPending, RegisterPrune:
		m.setRegisterState(RegisterJoin)
		m.registerStopTimer.Stop()
		m.addRegisterTunnel()
	default:
	}
}

func (m *MRE) addRegisterTunnel() {
	m.setDownstreamJoinForever(m.node.registerVifIndex)
}

func (m *MRE) removeRegisterTunnel() {
	m.clearDownstream(m.node.registerVifIndex)
}

// sendNullRegister probes the RP with a header-only Register.
func (m *MRE) sendNullRegister() {
	if !m.hasRPAddr {
		return
	}
	v := m.node.vifs[m.rpfInterfaceS()]
	if v == nil {
		return
	}
	reg := &packet.Register{Null: true}
	m.node.sendMessage(v, m.rpAddr, packet.TypeRegister, reg.Marshal())
}

// encapsulateRegister forwards one data packet to the RP inside a Register
// message, from a WholePacket kernel upcall on the DR.
func (node *Node) encapsulateRegister(m *MRE, data []byte) {
	if m.registerState != RegisterJoin || !m.hasRPAddr {
		return
	}
	v := node.vifs[m.rpfInterfaceS()]
	if v == nil {
		return
	}
	reg := &packet.Register{Inner: data}
	node.sendMessage(v, m.rpAddr, packet.TypeRegister, reg.Marshal())
}

// receiveRegister is the RP side: decapsulate, create or refresh SG state,
// and answer Register-Stop when the SPT is up or the register is unwanted.
func (node *Node) receiveRegister(v *Vif, src netip.Addr, reg *packet.Register) {
	source, group, ok := reg.InnerAddrs()
	if !ok {
		return
	}

	m := node.mres.Find(source, group, MaskSG, MaskSG)
	if m == nil {
		return
	}
	if !m.iAmRP {
		// Not the RP for this group: tell the DR to stop immediately.
		node.sendRegisterStop(v, src, source, group)
		return
	}

	m.restartKeepalive()

	if m.sptBit || (m.upstreamState == UpstreamJoined && m.wasSPTSwitchDesired) {
		// The source tree carries the traffic now.
		node.sendRegisterStop(v, src, source, group)
		return
	}
	if m.inheritedOlistSG().IsEmpty() {
		node.sendRegisterStop(v, src, source, group)
	}
}

func (node *Node) sendRegisterStop(v *Vif, dst netip.Addr, source, group netip.Addr) {
	rs := &packet.RegisterStop{
		Group:  packet.EncodedGroup{Addr: group, MaskLen: uint8(group.BitLen())},
		Source: source,
	}
	node.sendMessage(v, dst, packet.TypeRegisterStop, rs.Marshal())
}
