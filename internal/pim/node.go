package pim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/openmcast/pimsm/internal/config"
	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/kernel"
	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/mrib"
	"github.com/openmcast/pimsm/internal/packet"
	"github.com/openmcast/pimsm/internal/vifset"
)

// Link-level defaults applied when a neighbor on the LAN did not announce
// LAN-prune-delay, and the Join suppression randomization factors.
const (
	defaultLANDelayMillis = 500
	defaultOverrideMillis = 2500

	suppressionFactorMin = 1.1
	suppressionFactorMax = 1.4
)

// Node owns the whole PIM-SM core: the vif and neighbor tables, the MRE
// table, the RP table, the MFC mirror, and the Join/Prune assembler. All
// state is confined to the event loop goroutine.
type Node struct {
	cfg  *config.Config
	log  *slog.Logger
	loop *eventloop.Loop
	rng  *rand.Rand

	mrib      *mrib.Table
	fwd       kernel.Forwarder
	sender    Sender
	mres      *MreTable
	rps       *RPTable
	assembler *Assembler
	mfcs      map[sgKey]*MFC

	vifs             map[uint16]*Vif
	vifsByName       map[string]*Vif
	registerVifIndex uint16

	lanDelayMillis uint16
	overrideMillis uint16

	assertLimiter *ttlcache.Cache[string, struct{}]

	taskDrainScheduled bool
	rxErrors           map[string]uint64
}

// NodeConfig holds the collaborators a Node is built from.
type NodeConfig struct {
	Logger    *slog.Logger
	Loop      *eventloop.Loop
	Config    *config.Config
	Mrib      *mrib.Table
	Forwarder kernel.Forwarder
	Sender    Sender

	// Seed fixes the jitter source, for tests.
	Seed uint64
}

// Validate checks that the required collaborators are present.
func (cfg *NodeConfig) Validate() error {
	if cfg.Loop == nil {
		return errors.New("event loop is required")
	}
	if cfg.Config == nil {
		return errors.New("config is required")
	}
	if cfg.Mrib == nil {
		return errors.New("mrib table is required")
	}
	if cfg.Forwarder == nil {
		return errors.New("kernel forwarder is required")
	}
	return nil
}

// NewNode creates the PIM-SM core.
func NewNode(cfg *NodeConfig) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	node := &Node{
		cfg:              cfg.Config,
		log:              cfg.Logger,
		loop:             cfg.Loop,
		rng:              rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		mrib:             cfg.Mrib,
		fwd:              cfg.Forwarder,
		sender:           cfg.Sender,
		mfcs:             make(map[sgKey]*MFC),
		vifs:             make(map[uint16]*Vif),
		vifsByName:       make(map[string]*Vif),
		registerVifIndex: InvalidVifIndex,
		lanDelayMillis:   defaultLANDelayMillis,
		overrideMillis:   defaultOverrideMillis,
		rxErrors:         make(map[string]uint64),
	}
	node.mres = newMreTable(node)
	node.rps = newRPTable(node)
	node.assembler = newAssembler(node)
	node.assertLimiter = ttlcache.New(
		ttlcache.WithTTL[string, struct{}](time.Second),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return node, nil
}

// Run processes kernel upcalls until ctx is canceled. The event loop
// itself is run by the caller; Run only feeds external inputs into it.
func (node *Node) Run(ctx context.Context) error {
	go node.assertLimiter.Start()
	defer node.assertLimiter.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-node.fwd.Upcalls():
			if !ok {
				return nil
			}
			node.loop.Post(func() { node.handleUpcall(u) })
		}
	}
}

// Mrib exposes the MRIB for the route feed.
func (node *Node) Mrib() *mrib.Table { return node.mrib }

// Loop exposes the event loop for collaborators posting work.
func (node *Node) Loop() *eventloop.Loop { return node.loop }

// RPs exposes the RP table consumer interface.
func (node *Node) RPs() *RPTable { return node.rps }

// AddVif registers an interface with the node.
func (node *Node) AddVif(index uint16, name string, primary netip.Addr, subnets []netip.Prefix, mtu int) (*Vif, error) {
	if index >= vifset.MaxVifs {
		return nil, fmt.Errorf("vif index %d out of range", index)
	}
	if node.vifs[index] != nil {
		return nil, fmt.Errorf("vif index %d already registered", index)
	}
	v := newVif(node, index, name)
	v.PrimaryAddr = primary
	v.Subnets = subnets
	if mtu > 0 {
		v.MTU = mtu
	}
	node.vifs[index] = v
	node.vifsByName[name] = v
	node.log.Info("vif added", "vif", name, "index", index, "addr", primary)
	return v, nil
}

// AddRegisterVif installs the Register pseudo-interface used as the
// encapsulation tunnel endpoint.
func (node *Node) AddRegisterVif(index uint16) error {
	v, err := node.AddVif(index, "register_vif", netip.Addr{}, nil, 0)
	if err != nil {
		return err
	}
	v.IsRegisterVif = true
	v.Enabled = true
	node.registerVifIndex = index
	return nil
}

// EnableVif starts PIM on an interface.
func (node *Node) EnableVif(name string) error {
	v := node.vifsByName[name]
	if v == nil {
		return fmt.Errorf("unknown vif %q", name)
	}
	if v.Enabled {
		return nil
	}
	v.Enabled = true
	v.GenID = node.rng.Uint32()
	v.electDR()
	v.startHellos()
	node.log.Info("vif enabled", "vif", name)
	return nil
}

// DisableVif stops PIM on an interface and drops its neighbors.
func (node *Node) DisableVif(name string) error {
	v := node.vifsByName[name]
	if v == nil {
		return fmt.Errorf("unknown vif %q", name)
	}
	if !v.Enabled {
		return nil
	}
	v.sendGoodbye()
	v.Enabled = false
	v.stopHellos()
	node.removeVifNeighbors(v)
	node.log.Info("vif disabled", "vif", name)
	return nil
}

// DeleteVif removes an interface entirely.
func (node *Node) DeleteVif(name string) error {
	v := node.vifsByName[name]
	if v == nil {
		return fmt.Errorf("unknown vif %q", name)
	}
	if v.Enabled {
		if err := node.DisableVif(name); err != nil {
			return err
		}
	}
	delete(node.vifs, v.Index)
	delete(node.vifsByName, name)
	return nil
}

// Vif returns an interface by index.
func (node *Node) Vif(index uint16) *Vif { return node.vifs[index] }

// VifByName returns an interface by name.
func (node *Node) VifByName(name string) *Vif { return node.vifsByName[name] }

func (node *Node) isMyAddr(addr netip.Addr) bool {
	for _, v := range node.vifs {
		if v.PrimaryAddr.IsValid() && v.PrimaryAddr == addr {
			return true
		}
	}
	return false
}

// ProcessPacket is the wire ingress: parse, validate, dispatch. Malformed
// packets increment a per-kind counter and are dropped without touching
// state.
func (node *Node) ProcessPacket(vifIndex uint16, src netip.Addr, data []byte) {
	v := node.vifs[vifIndex]
	if v == nil || !v.Enabled || v.IsRegisterVif {
		return
	}

	t, err := packet.PeekType(data)
	if err != nil {
		node.countRxError(err)
		return
	}
	v.rxCount[t]++
	metrics.RxMessages.WithLabelValues(t.String(), v.Name).Inc()

	switch t {
	case packet.TypeHello:
		h, err := packet.ParseHello(data)
		if err != nil {
			node.countRxError(err)
			return
		}
		node.receiveHello(v, src, h)
	case packet.TypeJoinPrune:
		jp, err := packet.ParseJoinPrune(data)
		if err != nil {
			node.countRxError(err)
			return
		}
		if node.requireNeighbor(v, src) {
			node.receiveJoinPrune(v, src, jp)
		}
	case packet.TypeAssert:
		a, err := packet.ParseAssert(data)
		if err != nil {
			node.countRxError(err)
			return
		}
		if node.requireNeighbor(v, src) {
			node.receiveAssertPacket(v, src, a)
		}
	case packet.TypeRegister:
		reg, err := packet.ParseRegister(data)
		if err != nil {
			node.countRxError(err)
			return
		}
		node.receiveRegister(v, src, reg)
	case packet.TypeRegisterStop:
		rs, err := packet.ParseRegisterStop(data)
		if err != nil {
			node.countRxError(err)
			return
		}
		node.receiveRegisterStopPacket(rs)
	case packet.TypeBootstrap:
		bs, err := packet.ParseBootstrap(data)
		if err != nil {
			node.countRxError(err)
			return
		}
		node.rps.ConsumeBootstrap(bs)
	default:
		node.countRxError(packet.ErrUnknownType)
	}

	node.drainToQuiescence()
}

// requireNeighbor enforces that protocol messages come from a Hello
// neighbor.
func (node *Node) requireNeighbor(v *Vif, src netip.Addr) bool {
	for _, nbr := range v.neighbors {
		if nbr.HasAddr(src) {
			return true
		}
	}
	metrics.PolicyRejections.WithLabelValues("no_hello_neighbor").Inc()
	return false
}

func (node *Node) countRxError(err error) {
	kind := metrics.ErrorKindUnknownType
	switch {
	case errors.Is(err, packet.ErrBadVersion):
		kind = metrics.ErrorKindBadVersion
	case errors.Is(err, packet.ErrBadChecksum):
		kind = metrics.ErrorKindBadChecksum
	case errors.Is(err, packet.ErrTruncated):
		kind = metrics.ErrorKindTruncated
	case errors.Is(err, packet.ErrUnknownFamily), errors.Is(err, packet.ErrBadEncoding):
		kind = metrics.ErrorKindBadFamily
	case errors.Is(err, packet.ErrBadMaskLen):
		kind = metrics.ErrorKindBadMaskLen
	case errors.Is(err, packet.ErrBadOption):
		kind = metrics.ErrorKindBadOption
	}
	node.rxErrors[kind]++
	metrics.RxErrors.WithLabelValues(kind).Inc()
	node.log.Debug("malformed packet dropped", "kind", kind)
}

// receiveAssertPacket locates or creates the asserted entry and runs its
// Assert machine.
func (node *Node) receiveAssertPacket(v *Vif, src netip.Addr, a *packet.Assert) {
	group := a.Group.Addr
	var m *MRE
	if a.RPTBit || a.Source.IsUnspecified() {
		m = node.mres.Find(netip.Addr{}, group, MaskWC, MaskWC)
	} else {
		m = node.mres.Find(a.Source, group, MaskSG|MaskWC, MaskSG)
	}
	if m == nil {
		return
	}
	m.receiveAssert(v.Index, src, a)
	node.drainToQuiescence()
}

// receiveRegisterStopPacket routes a Register-Stop to the SG register
// machine on the DR.
func (node *Node) receiveRegisterStopPacket(rs *packet.RegisterStop) {
	m := node.mres.Get(KindSG, rs.Source, rs.Group.Addr)
	if m == nil {
		return
	}
	m.receiveRegisterStop()
}

// handleUpcall processes one kernel upcall.
func (node *Node) handleUpcall(u kernel.Upcall) {
	switch u.Type {
	case kernel.UpcallNoCache:
		node.handleNoCache(u)
	case kernel.UpcallWrongVif:
		node.handleWrongVif(u)
	case kernel.UpcallWholePacket:
		node.handleWholePacket(u)
	}
	node.drainToQuiescence()
}

// handleNoCache reacts to a data packet with no forwarding entry: create
// the SG state and install an MFC so the kernel stops upcalling.
func (node *Node) handleNoCache(u kernel.Upcall) {
	if !u.Source.IsValid() || !u.Group.IsValid() {
		return
	}
	m := node.mres.Find(u.Source, u.Group, MaskSG, MaskSG)
	if m == nil {
		return
	}
	m.restartKeepalive()
	m.updateSPTBitOnIIF(u.VifIndex)
	node.refreshSPTSwitchMonitor(m)
}

// handleWrongVif reacts to a packet on a non-iif interface: the
// duplicate-forwarder situation Asserts exist for.
func (node *Node) handleWrongVif(u kernel.Upcall) {
	m := node.mres.Find(u.Source, u.Group, MaskSG|MaskWC, MaskNone)
	if m == nil {
		return
	}
	node.originAssertForWrongVif(m, u.VifIndex)
}

// handleWholePacket encapsulates a data packet toward the RP on the DR.
func (node *Node) handleWholePacket(u kernel.Upcall) {
	m := node.mres.Get(KindSG, u.Source, u.Group)
	if m == nil {
		return
	}
	node.encapsulateRegister(m, u.Packet)
}

// AddLocalReceiver injects host membership (the IGMP/MLD-equivalent
// signal): a receiver for group on vif.
func (node *Node) AddLocalReceiver(group netip.Addr, vifIndex uint16) {
	m := node.mres.Find(netip.Addr{}, group, MaskWC, MaskWC)
	if m == nil {
		return
	}
	m.localReceivers = m.localReceivers.With(vifIndex)
	node.reevaluateGroup(group)
	node.drainToQuiescence()
}

// RemoveLocalReceiver withdraws host membership.
func (node *Node) RemoveLocalReceiver(group netip.Addr, vifIndex uint16) {
	m := node.mres.Get(KindWC, netip.Addr{}, group)
	if m == nil {
		return
	}
	m.localReceivers = m.localReceivers.Without(vifIndex)
	node.reevaluateGroup(group)
	m.tryRemove()
	node.drainToQuiescence()
}

// MribChanged is called by the route feed after a committed transaction,
// with the touched prefixes. Affected entries are re-queued for RPF
// recomputation in one sweep.
func (node *Node) MribChanged(touched []netip.Prefix) {
	for _, p := range touched {
		node.mres.enqueueTask(taskRPFChangeRP, taskKey{prefix: p})
		node.mres.enqueueTask(taskRPFChangeS, taskKey{prefix: p})
	}
	node.drainToQuiescence()
}

// reevaluateGroup re-derives the whole entry web of one group after an
// olist-affecting mutation.
func (node *Node) reevaluateGroup(group netip.Addr) {
	wc := node.mres.wc[group]
	if wc != nil {
		wc.reevaluateUpstream()
		if rp := wc.rpEntryForGroup(); rp != nil {
			rp.reevaluateUpstream()
		}
	}
	node.mres.ForEachSGOfGroup(group, func(sg *MRE) {
		sg.reevaluateUpstream()
		sg.recomputeCouldRegister()
	})
	node.mres.ForEachSGRptOfGroup(group, func(rpt *MRE) {
		rpt.reevaluateUpstream()
	})
}

// scheduleTaskDrain arranges a deferred-task drain on the current loop
// turn's tail.
func (node *Node) scheduleTaskDrain() {
	if node.taskDrainScheduled {
		return
	}
	node.taskDrainScheduled = true
	node.loop.Post(node.runTaskDrain)
}

func (node *Node) runTaskDrain() {
	node.taskDrainScheduled = false
	if !node.mres.drainTasks(config.DefaultTaskBatchSize) {
		// Budget exhausted; the rest runs next turn.
		node.scheduleTaskDrain()
	}
}

// drainToQuiescence runs try-remove checks until the table stops
// changing, so every externally visible state is a fixed point.
func (node *Node) drainToQuiescence() {
	for {
		removed := false
		node.mres.ForEach(func(m *MRE) {
			if m.tryRemove() {
				removed = true
			}
		})
		if !removed {
			return
		}
	}
}

// RxErrorCounts surfaces the per-kind malformed-packet counters.
func (node *Node) RxErrorCounts() map[string]uint64 {
	out := make(map[string]uint64, len(node.rxErrors))
	for k, v := range node.rxErrors {
		out[k] = v
	}
	return out
}

// Mres exposes the MRE table for the operator query surface.
func (node *Node) Mres() *MreTable { return node.mres }

// MFCEntries snapshots the MFC mirror for the operator query surface.
func (node *Node) MFCEntries() []*MFC {
	out := make([]*MFC, 0, len(node.mfcs))
	for _, f := range node.mfcs {
		out = append(out, f)
	}
	return out
}
