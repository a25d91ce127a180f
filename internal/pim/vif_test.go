package pim

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmcast/pimsm/internal/packet"
)

func TestDRElection_HighestPriorityWins(t *testing.T) {
	tn := newTestNode(t)

	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), func(h *packet.Hello) {
		h.DRPriority = 100
	})
	v := tn.node.vifs[vif0]
	assert.Equal(t, netip.MustParseAddr("10.0.1.9"), v.DR)
	assert.False(t, v.IAmDR())

	// A higher priority takes over.
	tn.hello(vif0, netip.MustParseAddr("10.0.1.3"), func(h *packet.Hello) {
		h.DRPriority = 200
	})
	assert.Equal(t, netip.MustParseAddr("10.0.1.3"), v.DR)
}

func TestDRElection_AddressBreaksTies(t *testing.T) {
	tn := newTestNode(t)

	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), func(h *packet.Hello) {
		h.DRPriority = 50
	})
	tn.hello(vif0, netip.MustParseAddr("10.0.1.200"), func(h *packet.Hello) {
		h.DRPriority = 50
	})
	assert.Equal(t, netip.MustParseAddr("10.0.1.200"), tn.node.vifs[vif0].DR)
}

// A neighbor without the DR-priority option forces address-only
// comparison on the whole LAN.
func TestDRElection_MissingPriorityFallsBackToAddress(t *testing.T) {
	tn := newTestNode(t)

	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), func(h *packet.Hello) {
		h.DRPriority = 1000
	})
	tn.hello(vif0, netip.MustParseAddr("10.0.1.20"), func(h *packet.Hello) {
		h.HasDRPriority = false
	})
	// 10.0.1.20 > 10.0.1.9 > 10.0.1.1: priority 1000 is ignored.
	assert.Equal(t, netip.MustParseAddr("10.0.1.20"), tn.node.vifs[vif0].DR)
}

func TestNeighbor_ExpiresOnHoldtime(t *testing.T) {
	tn := newTestNode(t)

	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), func(h *packet.Hello) {
		h.Holdtime = 30
	})
	v := tn.node.vifs[vif0]
	require.NotNil(t, v.Neighbor(netip.MustParseAddr("10.0.1.9")))

	tn.clock.Advance(29 * time.Second)
	tn.settle()
	require.NotNil(t, v.Neighbor(netip.MustParseAddr("10.0.1.9")))

	tn.clock.Advance(2 * time.Second)
	tn.settle()
	assert.Nil(t, v.Neighbor(netip.MustParseAddr("10.0.1.9")))
}

func TestNeighbor_HoldtimeForeverNeverExpires(t *testing.T) {
	tn := newTestNode(t)

	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), func(h *packet.Hello) {
		h.Holdtime = packet.HoldtimeForever
	})
	tn.clock.Advance(24 * time.Hour)
	tn.settle()
	assert.NotNil(t, tn.node.vifs[vif0].Neighbor(netip.MustParseAddr("10.0.1.9")))
}

func TestNeighbor_HoldtimeZeroIsGoodbye(t *testing.T) {
	tn := newTestNode(t)

	addr := netip.MustParseAddr("10.0.1.9")
	tn.hello(vif0, addr, nil)
	require.NotNil(t, tn.node.vifs[vif0].Neighbor(addr))

	tn.hello(vif0, addr, func(h *packet.Hello) { h.Holdtime = 0 })
	assert.Nil(t, tn.node.vifs[vif0].Neighbor(addr))
}

// A GenID change means the neighbor restarted: Joined entries pull their
// Join timer down so state is re-announced promptly.
func TestNeighbor_GenIDChangeTriggersReannounce(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.AddLocalReceiver(group1, vif0)
	tn.settle()
	wc := tn.node.mres.Get(KindWC, netip.Addr{}, group1)
	require.NotNil(t, wc)
	require.Equal(t, UpstreamJoined, wc.upstreamState)
	require.Equal(t, tn.cfg.JoinPrunePeriod, wc.joinTimer.Remaining())

	tn.hello(vif1, upstream, func(h *packet.Hello) { h.GenID = 0x9999 })
	tn.settle()

	assert.Less(t, wc.joinTimer.Remaining(), 3*time.Second,
		"join timer must be reduced to at most t_override")
}

func TestVif_LANPruneDelayNegotiation(t *testing.T) {
	tn := newTestNode(t)
	v := tn.node.vifs[vif0]

	// Without announcements the link uses the defaults.
	assert.Equal(t, uint16(defaultLANDelayMillis), v.EffectivePropagationDelay())
	assert.Equal(t, uint16(defaultOverrideMillis), v.EffectiveOverrideInterval())
	assert.True(t, v.JoinSuppressionEnabled())

	// All neighbors announcing makes the maxima effective.
	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), func(h *packet.Hello) {
		h.HasLANPruneDelay = true
		h.LANPruneDelay = packet.LANPruneDelay{TBit: true, DelayMillis: 800, OverrideMillis: 3000}
	})
	assert.Equal(t, uint16(800), v.EffectivePropagationDelay())
	assert.Equal(t, uint16(3000), v.EffectiveOverrideInterval())
	assert.False(t, v.JoinSuppressionEnabled())

	// One neighbor without the option reverts the link to defaults.
	tn.hello(vif0, netip.MustParseAddr("10.0.1.10"), nil)
	assert.Equal(t, uint16(defaultLANDelayMillis), v.EffectivePropagationDelay())
	assert.True(t, v.JoinSuppressionEnabled())
}

// A T-bit flip after agreement is ignored as a policy violation.
func TestVif_TBitDisagreementIgnored(t *testing.T) {
	tn := newTestNode(t)

	addr := netip.MustParseAddr("10.0.1.9")
	tn.hello(vif0, addr, func(h *packet.Hello) {
		h.HasLANPruneDelay = true
		h.LANPruneDelay = packet.LANPruneDelay{TBit: true, DelayMillis: 500, OverrideMillis: 2500}
	})
	nbr := tn.node.vifs[vif0].Neighbor(addr)
	require.NotNil(t, nbr)
	require.True(t, nbr.LANPruneDelay.TBit)

	tn.hello(vif0, addr, func(h *packet.Hello) {
		h.HasLANPruneDelay = true
		h.LANPruneDelay = packet.LANPruneDelay{TBit: false, DelayMillis: 900, OverrideMillis: 2500}
	})
	// The offending option was dropped; the previous value stands.
	assert.True(t, nbr.LANPruneDelay.TBit)
	assert.Equal(t, uint16(500), nbr.LANPruneDelay.DelayMillis)
}

func TestVif_DisableDropsNeighbors(t *testing.T) {
	tn := newTestNode(t)

	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), nil)
	require.Equal(t, 1, tn.node.vifs[vif0].NeighborCount())

	require.NoError(t, tn.node.DisableVif("vif0"))
	tn.settle()
	assert.Zero(t, tn.node.vifs[vif0].NeighborCount())

	// Packets on a disabled vif are ignored.
	tn.hello(vif0, netip.MustParseAddr("10.0.1.9"), nil)
	assert.Zero(t, tn.node.vifs[vif0].NeighborCount())
}
