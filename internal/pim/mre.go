package pim

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/mrib"
	"github.com/openmcast/pimsm/internal/vifset"
)

// EntryKind tags the four multicast routing entry variants.
type EntryKind uint8

const (
	KindSG EntryKind = iota
	KindSGRpt
	KindWC
	KindRP
)

func (k EntryKind) String() string {
	switch k {
	case KindSG:
		return "(S,G)"
	case KindSGRpt:
		return "(S,G,rpt)"
	case KindWC:
		return "(*,G)"
	case KindRP:
		return "(*,*,RP)"
	}
	return "unknown"
}

// LookupMask selects entry kinds for table lookups, scanned most specific
// first: SG, SG-rpt, WC, RP.
type LookupMask uint8

const (
	MaskSG LookupMask = 1 << iota
	MaskSGRpt
	MaskWC
	MaskRP

	MaskNone LookupMask = 0
	MaskAny  LookupMask = MaskSG | MaskSGRpt | MaskWC | MaskRP
)

// UpstreamState is the upstream Join/Prune state. RP, WC and SG entries use
// {NoInfo, Joined}; SG-rpt entries use {RPTNotJoined, Pruned, NotPruned}.
type UpstreamState uint8

const (
	UpstreamNoInfo UpstreamState = iota
	UpstreamJoined
	UpstreamRPTNotJoined
	UpstreamPruned
	UpstreamNotPruned
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamNoInfo:
		return "NoInfo"
	case UpstreamJoined:
		return "Joined"
	case UpstreamRPTNotJoined:
		return "RPTNotJoined"
	case UpstreamPruned:
		return "Pruned"
	case UpstreamNotPruned:
		return "NotPruned"
	}
	return "unknown"
}

// DownstreamState is the per-interface downstream Join/Prune state.
type DownstreamState uint8

const (
	DownstreamNoInfo DownstreamState = iota
	DownstreamJoin
	DownstreamPrunePending
)

func (s DownstreamState) String() string {
	switch s {
	case DownstreamNoInfo:
		return "NoInfo"
	case DownstreamJoin:
		return "Join"
	case DownstreamPrunePending:
		return "PrunePending"
	}
	return "unknown"
}

// downstreamVif is the per-(entry, interface) downstream machine state. For
// SG-rpt entries the Join state records an active (S,G,rpt) Prune received
// from downstream.
type downstreamVif struct {
	state             DownstreamState
	expiryTimer       *eventloop.Timer
	prunePendingTimer *eventloop.Timer
}

// RegisterState is the DR-side Register machine state for SG entries.
type RegisterState uint8

const (
	RegisterNoInfo RegisterState = iota
	RegisterJoin
	RegisterJoinPending
	RegisterPrune
)

func (s RegisterState) String() string {
	switch s {
	case RegisterNoInfo:
		return "NoInfo"
	case RegisterJoin:
		return "Join"
	case RegisterJoinPending:
		return "JoinPending"
	case RegisterPrune:
		return "Prune"
	}
	return "unknown"
}

// MRE is one multicast routing entry. The kind tag selects which state
// machines apply; shared fields live directly on the struct.
type MRE struct {
	node *Node
	kind EntryKind

	// Key. For RP entries Source holds the RP address and Group is the
	// all-multicast prefix base; for WC entries Source is unspecified.
	Source netip.Addr
	Group  netip.Addr

	// The group's RP mapping, shared across the WC/SG/SG-rpt entries of
	// the group.
	rpAddr    netip.Addr
	hasRPAddr bool

	// Cached MRIB snapshot entries toward the RP and toward S.
	mribRP    mrib.Entry
	hasMribRP bool
	mribS     mrib.Entry
	hasMribS  bool

	// Cached upstream RPF neighbors. An entry whose resolved upstream
	// neighbor is nil sits on the orphan list until a neighbor appears,
	// unless it is an SG entry for a directly connected source.
	nbrMribNextHopRP *Neighbor
	nbrMribNextHopS  *Neighbor
	nbrRPFWC         *Neighbor
	nbrRPFSG         *Neighbor
	nbrRPFSGRpt      *Neighbor

	// Downstream per-interface state, created lazily.
	downstream map[uint16]*downstreamVif

	// Assert per-interface state, created lazily.
	asserts map[uint16]*assertVif

	// Local membership (the IGMP-equivalent receiver set) for WC and SG.
	localReceivers vifset.Set

	upstreamState UpstreamState
	joinTimer     *eventloop.Timer
	overrideTimer *eventloop.Timer

	// SG-only state.
	sptBit             bool
	keepaliveTimer     *eventloop.Timer
	registerState      RegisterState
	registerStopTimer  *eventloop.Timer
	directlyConnectedS bool
	couldRegister      bool

	iAmRP               bool
	wasSPTSwitchDesired bool
	isOrphan            bool
}

// Kind returns the entry kind tag.
func (m *MRE) Kind() EntryKind { return m.kind }

// RPAddr returns the current RP for the entry's group.
func (m *MRE) RPAddr() (netip.Addr, bool) { return m.rpAddr, m.hasRPAddr }

// SPTBit reports the (S,G) SPT bit.
func (m *MRE) SPTBit() bool { return m.sptBit }

// Upstream returns the upstream machine state.
func (m *MRE) Upstream() UpstreamState { return m.upstreamState }

// Register returns the register machine state.
func (m *MRE) Register() RegisterState { return m.registerState }

// CouldRegister reports the could-register flag.
func (m *MRE) CouldRegister() bool { return m.couldRegister }

// WasSPTSwitchDesired reports whether the SPT switch fired for this entry.
func (m *MRE) WasSPTSwitchDesired() bool { return m.wasSPTSwitchDesired }

// IsOrphan reports whether the entry waits on the orphan list for an
// upstream neighbor.
func (m *MRE) IsOrphan() bool { return m.isOrphan }

// DirectlyConnectedS reports whether the source is on-link.
func (m *MRE) DirectlyConnectedS() bool { return m.directlyConnectedS }

// KeepaliveRunning reports whether the SG keepalive timer is pending.
func (m *MRE) KeepaliveRunning() bool {
	return m.keepaliveTimer != nil && m.keepaliveTimer.Scheduled()
}

func newMRE(node *Node, kind EntryKind, source, group netip.Addr) *MRE {
	m := &MRE{
		node:       node,
		kind:       kind,
		Source:     source,
		Group:      group,
		downstream: make(map[uint16]*downstreamVif),
		asserts:    make(map[uint16]*assertVif),
	}
	m.joinTimer = node.loop.NewTimer(m.joinTimerFired)
	switch kind {
	case KindSGRpt:
		m.upstreamState = UpstreamRPTNotJoined
		m.overrideTimer = node.loop.NewTimer(m.overrideTimerFired)
	case KindSG:
		m.keepaliveTimer = node.loop.NewTimer(m.keepaliveExpired)
		m.registerStopTimer = node.loop.NewTimer(m.registerStopTimerFired)
		m.overrideTimer = node.loop.NewTimer(m.overrideTimerFired)
	case KindWC, KindRP:
		m.overrideTimer = node.loop.NewTimer(m.overrideTimerFired)
	}
	return m
}

func (m *MRE) downstreamVif(vifIndex uint16) *downstreamVif {
	d := m.downstream[vifIndex]
	if d == nil {
		d = &downstreamVif{}
		d.expiryTimer = m.node.loop.NewTimer(func() { m.downstreamExpired(vifIndex) })
		d.prunePendingTimer = m.node.loop.NewTimer(func() { m.prunePendingFired(vifIndex) })
		m.downstream[vifIndex] = d
	}
	return d
}

// DownstreamStateOn returns the downstream machine state on a vif.
func (m *MRE) DownstreamStateOn(vifIndex uint16) DownstreamState {
	if d := m.downstream[vifIndex]; d != nil {
		return d.state
	}
	return DownstreamNoInfo
}

// joinedVifs returns the vifs whose downstream machine is in Join or
// PrunePending state.
func (m *MRE) joinedVifs() vifset.Set {
	var s vifset.Set
	for idx, d := range m.downstream {
		if d.state == DownstreamJoin || d.state == DownstreamPrunePending {
			s = s.With(idx)
		}
	}
	return s
}

// canRemove reports whether every state machine is in its no-info state, no
// timer is pending, and nothing references the entry.
func (m *MRE) canRemove() bool {
	switch m.kind {
	case KindSGRpt:
		if m.upstreamState != UpstreamRPTNotJoined {
			return false
		}
	default:
		if m.upstreamState != UpstreamNoInfo {
			return false
		}
	}
	for _, d := range m.downstream {
		if d.state != DownstreamNoInfo {
			return false
		}
	}
	for _, a := range m.asserts {
		if a.state != AssertNoInfo {
			return false
		}
	}
	if !m.localReceivers.IsEmpty() {
		return false
	}
	if m.joinTimer.Scheduled() {
		return false
	}
	if m.overrideTimer != nil && m.overrideTimer.Scheduled() {
		return false
	}
	if m.kind == KindSG {
		if m.registerState != RegisterNoInfo {
			return false
		}
		if m.keepaliveTimer.Scheduled() || m.registerStopTimer.Scheduled() {
			return false
		}
	}
	if m.node.mfcReferences(m) {
		return false
	}
	if m.node.mres.taskTargets(m) {
		return false
	}
	return true
}

// tryRemove removes the entry if nothing keeps it alive. It is invoked
// after every mutation so soft state quiesces to a fixed point.
func (m *MRE) tryRemove() bool {
	if !m.canRemove() {
		return false
	}
	m.node.mres.remove(m)
	return true
}

// teardown releases timers and neighbor references on removal.
func (m *MRE) teardown() {
	m.joinTimer.Stop()
	if m.overrideTimer != nil {
		m.overrideTimer.Stop()
	}
	if m.kind == KindSG {
		m.keepaliveTimer.Stop()
		m.registerStopTimer.Stop()
	}
	for _, d := range m.downstream {
		d.expiryTimer.Stop()
		d.prunePendingTimer.Stop()
	}
	for _, a := range m.asserts {
		a.timer.Stop()
	}
	m.setRPFNeighbors(nil, nil, nil, nil, nil)
}
