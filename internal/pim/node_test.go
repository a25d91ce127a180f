package pim

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmcast/pimsm/internal/kernel"
	"github.com/openmcast/pimsm/internal/packet"
)

// Last-hop DR joins the shared tree: receiver appears, the (*,G) entry is
// created, JoinDesired flips, a Join(*,G) goes out on the RPF interface
// with the periodic timer armed. Then source traffic creates the (S,G)
// entry with the SPT bit clear and the keepalive running.
func TestSharedTreeJoin(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.AddLocalReceiver(group1, vif0)
	tn.settle()

	wc := tn.node.mres.Get(KindWC, netip.Addr{}, group1)
	require.NotNil(t, wc)
	assert.Equal(t, UpstreamJoined, wc.upstreamState)
	assert.True(t, wc.joinDesired())
	assert.True(t, wc.joinTimer.Scheduled())
	assert.Equal(t, tn.cfg.JoinPrunePeriod, wc.joinTimer.Remaining())

	jps := tn.sender.joinPrunes(t)
	require.Len(t, jps, 1)
	assert.Equal(t, upstream, jps[0].UpstreamNeighbor)
	rec := findGroupRecord(jps[0], group1)
	require.NotNil(t, rec)
	require.Len(t, rec.Joins, 1)
	assert.Equal(t, rpAddr, rec.Joins[0].Addr)
	assert.True(t, rec.Joins[0].Wildcard)
	assert.True(t, rec.Joins[0].RPT)

	// Source traffic arrives on a non-RPF vif via a NoCache upcall.
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()

	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)
	assert.False(t, sg.sptBit)
	assert.True(t, sg.KeepaliveRunning())

	// The MFC was installed with iif toward the RP.
	entry, ok := tn.fwd.Entry(source1, group1)
	require.True(t, ok)
	assert.Equal(t, vif1, entry.IIF)
	assert.True(t, entry.Oifs.Contains(vif0))
}

// SPT switch: the dataflow monitor fires, the SG entry turns toward the
// source tree, and the next (*,G) Join carries the (S,G,rpt) Prune.
func TestSPTSwitch(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	// A separate upstream neighbor toward the source, so RPF'(S,G)
	// diverges from RPF'(*,G).
	sourceUpstream := netip.MustParseAddr("192.0.2.253")
	tn.hello(vif1, sourceUpstream, nil)
	tn.addRoute("10.0.0.0/24", sourceUpstream, vif1, 110, 10)

	tn.node.AddLocalReceiver(group1, vif0)
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()
	tn.sender.clear()

	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)
	f := tn.node.mfcs[sgKey{source1, group1}]
	require.NotNil(t, f)
	require.NotNil(t, f.sptMonitor, "spt-switch monitor should be armed")

	// Threshold is 0 bytes: the first completed sample crosses it.
	tn.clock.Advance(tn.cfg.SPTSwitch.Interval / 4)
	tn.settle()
	tn.clock.Advance(tn.cfg.SPTSwitch.Interval / 4)
	tn.settle()

	assert.True(t, sg.wasSPTSwitchDesired)
	assert.True(t, sg.KeepaliveRunning())
	assert.Equal(t, UpstreamJoined, sg.upstreamState)

	jps := tn.sender.joinPrunes(t)
	require.NotEmpty(t, jps)
	var sawSGJoin bool
	for _, jp := range jps {
		if jp.UpstreamNeighbor != sourceUpstream {
			continue
		}
		if rec := findGroupRecord(jp, group1); rec != nil {
			for _, s := range rec.Joins {
				if s.Addr == source1 && !s.RPT && !s.Wildcard {
					sawSGJoin = true
				}
			}
		}
	}
	assert.True(t, sawSGJoin, "expected Join(S,G) toward RPF'(S,G)")

	// Traffic starts arriving on the source-tree iif: the SPT bit sets.
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif1,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()
	require.True(t, sg.sptBit)

	// The next periodic (*,G) Join carries the rpt prune for the source.
	tn.sender.clear()
	wc := tn.node.mres.Get(KindWC, netip.Addr{}, group1)
	require.NotNil(t, wc)
	wc.joinTimerFired()
	tn.settle()

	jps = tn.sender.joinPrunes(t)
	require.NotEmpty(t, jps)
	found := false
	for _, jp := range jps {
		if jp.UpstreamNeighbor != upstream {
			continue
		}
		rec := findGroupRecord(jp, group1)
		if rec == nil {
			continue
		}
		for _, s := range rec.Prunes {
			if s.Addr == source1 && s.RPT && !s.Wildcard {
				found = true
			}
		}
	}
	assert.True(t, found, "expected auto-inserted (S,G,rpt) Prune with the (*,G) Join")
}

// Assert loser: a better metric on the RPF interface overrides the
// MRIB-derived upstream, and the next Join goes to the assert winner.
func TestAssertLoser(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	winner := netip.MustParseAddr("192.0.2.99")
	tn.hello(vif1, winner, nil)

	// A downstream (S,G) Join with no (*,G) state puts the entry straight
	// into Joined toward the MRIB next hop.
	rtr := netip.MustParseAddr("10.0.1.7")
	tn.hello(vif0, rtr, nil)
	jp := &packet.JoinPrune{
		UpstreamNeighbor: vif0Addr,
		Holdtime:         210,
		Groups: []packet.JoinPruneGroup{{
			Group: packet.EncodedGroup{Addr: group1, MaskLen: 32},
			Joins: []packet.EncodedSource{
				{Addr: source1, MaskLen: 32, Sparse: true},
			},
		}},
	}
	tn.node.ProcessPacket(vif0, rtr, jp.Marshal())
	tn.settle()

	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)
	require.Equal(t, UpstreamJoined, sg.upstreamState)
	require.Equal(t, upstream, sg.RPFNeighbor().Addr)
	tn.sender.clear()

	// Our route metric is (110, 10); the assert carries (100, 5).
	a := &packet.Assert{
		Group:            packet.EncodedGroup{Addr: group1, MaskLen: 32},
		Source:           source1,
		MetricPreference: 100,
		Metric:           5,
	}
	tn.node.ProcessPacket(vif1, winner, a.Marshal())
	tn.settle()

	assert.Equal(t, AssertLoser, sg.AssertStateOn(vif1))
	require.NotNil(t, sg.RPFNeighbor())
	assert.Equal(t, winner, sg.RPFNeighbor().Addr, "RPF'(S,G) must follow the assert winner")

	// The upstream change emits an immediate Join to the winner.
	jps := tn.sender.joinPrunes(t)
	var joined bool
	for _, jp := range jps {
		if jp.UpstreamNeighbor != winner {
			continue
		}
		if rec := findGroupRecord(jp, group1); rec != nil && len(rec.Joins) > 0 {
			joined = true
		}
	}
	assert.True(t, joined, "expected Join(S,G) to the assert winner")
}

// Register cycle on the DR: Join -> (Register-Stop) -> Prune -> probe ->
// JoinPending -> Join.
func TestRegisterCycle(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	connected := netip.MustParseAddr("10.0.1.99")
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   connected,
		Group:    group1,
	})
	tn.settle()

	sg := tn.node.mres.Get(KindSG, connected, group1)
	require.NotNil(t, sg)
	assert.True(t, sg.directlyConnectedS)
	assert.True(t, sg.couldRegister)
	assert.Equal(t, RegisterJoin, sg.registerState)
	assert.Equal(t, DownstreamJoin, sg.DownstreamStateOn(registerVif))

	// Encapsulation path: a WholePacket upcall goes out as a Register.
	tn.sender.clear()
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallWholePacket,
		VifIndex: vif0,
		Source:   connected,
		Group:    group1,
		Packet:   []byte{0x45, 0x00, 0x00, 0x14},
	})
	tn.settle()
	require.Len(t, tn.sender.ofType(packet.TypeRegister), 1)

	// Register-Stop from the RP moves to Prune with the randomized timer
	// in [0.5*60-5, 1.5*60-5] seconds.
	rs := &packet.RegisterStop{
		Group:  packet.EncodedGroup{Addr: group1, MaskLen: 32},
		Source: connected,
	}
	tn.node.ProcessPacket(vif1, rpAddr, rs.Marshal())
	tn.settle()

	assert.Equal(t, RegisterPrune, sg.registerState)
	assert.Equal(t, DownstreamNoInfo, sg.DownstreamStateOn(registerVif))
	remaining := sg.registerStopTimer.Remaining()
	assert.GreaterOrEqual(t, remaining, 25*time.Second)
	assert.LessOrEqual(t, remaining, 85*time.Second)

	// Timer fires: JoinPending, with a Null-Register probe sent.
	tn.sender.clear()
	tn.clock.Advance(remaining)
	tn.settle()
	assert.Equal(t, RegisterJoinPending, sg.registerState)
	regs := tn.sender.ofType(packet.TypeRegister)
	require.Len(t, regs, 1)
	parsed, err := packet.ParseRegister(regs[0].data)
	require.NoError(t, err)
	assert.True(t, parsed.Null)

	// Probe timer fires: back to Join with the tunnel restored.
	tn.clock.Advance(tn.cfg.RegisterProbe)
	tn.settle()
	assert.Equal(t, RegisterJoin, sg.registerState)
	assert.Equal(t, DownstreamJoin, sg.DownstreamStateOn(registerVif))
}

// Neighbor death: the dependent-MRE list drains, RPF recomputes, and with
// no alternate upstream the entry lands on the orphan list.
func TestNeighborDeath(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.AddLocalReceiver(group1, vif0)
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()

	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)
	nbr := tn.node.vifs[vif1].Neighbor(upstream)
	require.NotNil(t, nbr)
	require.Positive(t, nbr.DependentCount())

	// Expire the liveness timer.
	tn.clock.Advance(106 * time.Second)
	tn.settle()

	assert.Nil(t, tn.node.vifs[vif1].Neighbor(upstream))
	assert.Nil(t, sg.RPFNeighbor())
	assert.True(t, sg.isOrphan, "entry must sit on the orphan list")
	assert.Zero(t, nbr.DependentCount())

	// A neighbor reappearing adopts the orphan.
	tn.hello(vif1, upstream, nil)
	tn.settle()
	assert.False(t, sg.isOrphan)
	require.NotNil(t, sg.RPFNeighbor())
	assert.Equal(t, upstream, sg.RPFNeighbor().Addr)
}

// Invariant: however many RPF fields of an entry point at one neighbor,
// the neighbor's dependent list carries the entry exactly once.
func TestDependentListUniqueness(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	// Routes toward the RP and toward S share the same next hop, so
	// several RPF fields resolve to the same neighbor.
	tn.node.AddLocalReceiver(group1, vif0)
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()

	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)
	require.NotNil(t, sg.nbrMribNextHopRP)
	require.NotNil(t, sg.nbrMribNextHopS)
	require.Same(t, sg.nbrMribNextHopRP, sg.nbrMribNextHopS)

	nbr := tn.node.vifs[vif1].Neighbor(upstream)
	require.NotNil(t, nbr)
	count := 0
	for m := range nbr.mres {
		if m == sg {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// Round-trip law: adding then deleting an MRIB prefix for a source leaves
// the entry's RPF equal to its initial value.
func TestMribAddDeleteRestoresRPF(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.AddLocalReceiver(group1, vif0)
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()

	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)
	initial := sg.RPFNeighbor()
	require.NotNil(t, initial)

	other := netip.MustParseAddr("192.0.2.77")
	tn.hello(vif1, other, nil)
	tn.addRoute("10.0.0.5/32", other, vif1, 90, 1)
	require.Same(t, tn.node.vifs[vif1].Neighbor(other), sg.RPFNeighbor())

	tn.delRoute("10.0.0.5/32")
	assert.Same(t, initial, sg.RPFNeighbor())
}

// Invariant: the cached RPF always equals a fresh lookup after arbitrary
// MRIB churn.
func TestCachedRPFMatchesFreshLookup(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()
	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)

	other := netip.MustParseAddr("192.0.2.88")
	tn.hello(vif1, other, nil)

	steps := []func(){
		func() { tn.addRoute("10.0.0.0/16", other, vif1, 100, 2) },
		func() { tn.addRoute("10.0.0.0/28", upstream, vif1, 100, 2) },
		func() { tn.delRoute("10.0.0.0/24") },
		func() { tn.delRoute("10.0.0.0/28") },
	}
	for _, step := range steps {
		step()
		e, ok := tn.node.mrib.Lookup(source1)
		if !ok {
			assert.False(t, sg.hasMribS)
			continue
		}
		require.True(t, sg.hasMribS)
		assert.Equal(t, e, sg.mribS)
		fresh := sg.neighborOn(e.VifIndex, e.NextHop)
		assert.Same(t, fresh, sg.nbrMribNextHopS)
	}
}

// A failed kernel add marks the mirror entry failed and not installed; the
// backoff retry then installs it.
func TestKernelFailureRetry(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.fwd.FailNextAdds(1)
	tn.node.AddLocalReceiver(group1, vif0)
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()

	f := tn.node.mfcs[sgKey{source1, group1}]
	require.NotNil(t, f)
	assert.True(t, f.kernelFailed)
	assert.False(t, f.installed)

	// The retry fires on the next reconciliation turn and succeeds.
	tn.clock.Advance(2 * time.Second)
	tn.settle()
	assert.False(t, f.kernelFailed)
	assert.True(t, f.installed)
	_, ok := tn.fwd.Entry(source1, group1)
	assert.True(t, ok)
}

// Malformed packets only bump counters; no state is touched.
func TestMalformedPacketsCounted(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	wire := (&packet.Hello{Holdtime: 105, HasHoldtime: true}).Marshal()
	wire[len(wire)-1] ^= 0xff
	before := tn.node.mres.Size()
	tn.node.ProcessPacket(vif0, netip.MustParseAddr("10.0.1.50"), wire)
	tn.settle()

	assert.Equal(t, before, tn.node.mres.Size())
	assert.Equal(t, uint64(1), tn.node.RxErrorCounts()["bad_checksum"])
}

// A Join/Prune from a non-neighbor is rejected by policy.
func TestJoinPruneRequiresNeighbor(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	jp := &packet.JoinPrune{
		UpstreamNeighbor: vif0Addr,
		Holdtime:         210,
		Groups: []packet.JoinPruneGroup{{
			Group: packet.EncodedGroup{Addr: group1, MaskLen: 32},
			Joins: []packet.EncodedSource{
				{Addr: rpAddr, MaskLen: 32, Sparse: true, Wildcard: true, RPT: true},
			},
		}},
	}
	tn.node.ProcessPacket(vif0, netip.MustParseAddr("10.0.1.50"), jp.Marshal())
	tn.settle()
	assert.Nil(t, tn.node.mres.Get(KindWC, netip.Addr{}, group1))
}

// A received (*,G) Join on a downstream vif creates state and answers
// upstream; receiving the matching Prune with no override drops it back.
func TestDownstreamJoinPruneLifecycle(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	downstreamRtr := netip.MustParseAddr("10.0.1.7")
	tn.hello(vif0, downstreamRtr, nil)

	jp := &packet.JoinPrune{
		UpstreamNeighbor: vif0Addr,
		Holdtime:         210,
		Groups: []packet.JoinPruneGroup{{
			Group: packet.EncodedGroup{Addr: group1, MaskLen: 32},
			Joins: []packet.EncodedSource{
				{Addr: rpAddr, MaskLen: 32, Sparse: true, Wildcard: true, RPT: true},
			},
		}},
	}
	tn.node.ProcessPacket(vif0, downstreamRtr, jp.Marshal())
	tn.settle()

	wc := tn.node.mres.Get(KindWC, netip.Addr{}, group1)
	require.NotNil(t, wc)
	assert.Equal(t, DownstreamJoin, wc.DownstreamStateOn(vif0))
	assert.Equal(t, UpstreamJoined, wc.upstreamState)

	// Prune with a second neighbor present: PrunePending holds for the
	// override interval, then expires to NoInfo.
	tn.hello(vif0, netip.MustParseAddr("10.0.1.8"), nil)
	prune := &packet.JoinPrune{
		UpstreamNeighbor: vif0Addr,
		Holdtime:         210,
		Groups: []packet.JoinPruneGroup{{
			Group: packet.EncodedGroup{Addr: group1, MaskLen: 32},
			Prunes: []packet.EncodedSource{
				{Addr: rpAddr, MaskLen: 32, Sparse: true, Wildcard: true, RPT: true},
			},
		}},
	}
	tn.node.ProcessPacket(vif0, downstreamRtr, prune.Marshal())
	tn.settle()
	assert.Equal(t, DownstreamPrunePending, wc.DownstreamStateOn(vif0))

	tn.clock.Advance(5 * time.Second)
	tn.settle()
	assert.Equal(t, DownstreamNoInfo, wc.DownstreamStateOn(vif0))
	assert.Equal(t, UpstreamNoInfo, wc.upstreamState)
}

// A downstream Join override cancels a PrunePending before it fires.
func TestDownstreamPruneOverride(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	rtrA := netip.MustParseAddr("10.0.1.7")
	rtrB := netip.MustParseAddr("10.0.1.8")
	tn.hello(vif0, rtrA, nil)
	tn.hello(vif0, rtrB, nil)

	join := &packet.JoinPrune{
		UpstreamNeighbor: vif0Addr,
		Holdtime:         210,
		Groups: []packet.JoinPruneGroup{{
			Group: packet.EncodedGroup{Addr: group1, MaskLen: 32},
			Joins: []packet.EncodedSource{
				{Addr: rpAddr, MaskLen: 32, Sparse: true, Wildcard: true, RPT: true},
			},
		}},
	}
	tn.node.ProcessPacket(vif0, rtrA, join.Marshal())
	tn.settle()

	prune := &packet.JoinPrune{
		UpstreamNeighbor: vif0Addr,
		Holdtime:         210,
		Groups: []packet.JoinPruneGroup{{
			Group: packet.EncodedGroup{Addr: group1, MaskLen: 32},
			Prunes: []packet.EncodedSource{
				{Addr: rpAddr, MaskLen: 32, Sparse: true, Wildcard: true, RPT: true},
			},
		}},
	}
	tn.node.ProcessPacket(vif0, rtrA, prune.Marshal())
	tn.settle()
	wc := tn.node.mres.Get(KindWC, netip.Addr{}, group1)
	require.NotNil(t, wc)
	require.Equal(t, DownstreamPrunePending, wc.DownstreamStateOn(vif0))

	// Another router overrides with a Join before the timer fires.
	tn.node.ProcessPacket(vif0, rtrB, join.Marshal())
	tn.settle()
	assert.Equal(t, DownstreamJoin, wc.DownstreamStateOn(vif0))

	tn.clock.Advance(time.Minute)
	tn.settle()
	assert.Equal(t, DownstreamJoin, wc.DownstreamStateOn(vif0))
}

// An (S,G,rpt) Prune with no (*,G) state creates a transient SG-rpt entry.
func TestSGRptPruneWithoutWCState(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	rtr := netip.MustParseAddr("10.0.1.7")
	tn.hello(vif0, rtr, nil)

	prune := &packet.JoinPrune{
		UpstreamNeighbor: vif0Addr,
		Holdtime:         210,
		Groups: []packet.JoinPruneGroup{{
			Group: packet.EncodedGroup{Addr: group1, MaskLen: 32},
			Prunes: []packet.EncodedSource{
				{Addr: source1, MaskLen: 32, Sparse: true, RPT: true},
			},
		}},
	}
	tn.node.ProcessPacket(vif0, rtr, prune.Marshal())
	tn.settle()

	rpt := tn.node.mres.Get(KindSGRpt, source1, group1)
	require.NotNil(t, rpt, "transient (S,G,rpt) entry must be created")
	assert.True(t, rpt.sgRptPrunedVifs().Contains(vif0))

	// Holdtime expiry clears the transient entry.
	tn.clock.Advance(211 * time.Second)
	tn.settle()
	assert.Nil(t, tn.node.mres.Get(KindSGRpt, source1, group1))
}

// WRONGVIF upcalls originate Asserts, throttled to one per second per
// (S,G, interface).
func TestWrongVifAssertRateLimit(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.AddLocalReceiver(group1, vif0)
	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()
	tn.sender.clear()

	up := kernel.Upcall{
		Type:     kernel.UpcallWrongVif,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	}
	tn.node.handleUpcall(up)
	tn.node.handleUpcall(up)
	tn.node.handleUpcall(up)
	tn.settle()

	assert.Len(t, tn.sender.ofType(packet.TypeAssert), 1)
}
