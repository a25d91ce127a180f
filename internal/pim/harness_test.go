package pim

import (
	"net/netip"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openmcast/pimsm/internal/config"
	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/kernel"
	"github.com/openmcast/pimsm/internal/mrib"
	"github.com/openmcast/pimsm/internal/packet"
)

// Test topology: vif0 is the downstream LAN (10.0.1.1/24), vif1 the
// upstream LAN (192.0.2.1/24), vif2 the Register pseudo-vif. The RP for
// 224.0.0.0/4 is 203.0.113.1, reached through the upstream neighbor.
var (
	vif0Addr = netip.MustParseAddr("10.0.1.1")
	vif1Addr = netip.MustParseAddr("192.0.2.1")
	upstream = netip.MustParseAddr("192.0.2.254")
	rpAddr   = netip.MustParseAddr("203.0.113.1")
	group1   = netip.MustParseAddr("239.1.1.1")
	source1  = netip.MustParseAddr("10.0.0.5")
)

const (
	vif0        = uint16(0)
	vif1        = uint16(1)
	registerVif = uint16(2)
)

type sentPacket struct {
	vif  uint16
	src  netip.Addr
	dst  netip.Addr
	data []byte
}

type mockSender struct {
	sent []sentPacket
}

func (s *mockSender) Send(vifIndex uint16, src, dst netip.Addr, payload []byte) error {
	s.sent = append(s.sent, sentPacket{vif: vifIndex, src: src, dst: dst, data: payload})
	return nil
}

func (s *mockSender) clear() { s.sent = nil }

// ofType returns the sent packets of one PIM message type.
func (s *mockSender) ofType(t packet.Type) []sentPacket {
	var out []sentPacket
	for _, p := range s.sent {
		if pt, err := packet.PeekType(p.data); err == nil && pt == t {
			out = append(out, p)
		}
	}
	return out
}

func (s *mockSender) joinPrunes(t *testing.T) []*packet.JoinPrune {
	t.Helper()
	var out []*packet.JoinPrune
	for _, p := range s.ofType(packet.TypeJoinPrune) {
		jp, err := packet.ParseJoinPrune(p.data)
		require.NoError(t, err)
		out = append(out, jp)
	}
	return out
}

type testNode struct {
	t      *testing.T
	node   *Node
	loop   *eventloop.Loop
	clock  *clockwork.FakeClock
	fwd    *kernel.Mock
	sender *mockSender
	cfg    *config.Config
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	clock := clockwork.NewFakeClock()
	loop := eventloop.New(&eventloop.Config{Clock: clock})
	mribTable := mrib.New(nil)
	fwd := kernel.NewMock()
	sender := &mockSender{}
	cfg := config.Default()

	node, err := NewNode(&NodeConfig{
		Loop:      loop,
		Config:    cfg,
		Mrib:      mribTable,
		Forwarder: fwd,
		Sender:    sender,
		Seed:      1,
	})
	require.NoError(t, err)

	_, err = node.AddVif(vif0, "vif0", vif0Addr,
		[]netip.Prefix{netip.MustParsePrefix("10.0.1.0/24")}, 1500)
	require.NoError(t, err)
	_, err = node.AddVif(vif1, "vif1", vif1Addr,
		[]netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}, 1500)
	require.NoError(t, err)
	require.NoError(t, node.AddRegisterVif(registerVif))

	require.NoError(t, node.EnableVif("vif0"))
	require.NoError(t, node.EnableVif("vif1"))
	loop.RunUntilIdle()
	sender.clear()

	return &testNode{
		t:      t,
		node:   node,
		loop:   loop,
		clock:  clock,
		fwd:    fwd,
		sender: sender,
		cfg:    cfg,
	}
}

// settle drains the loop.
func (tn *testNode) settle() { tn.loop.RunUntilIdle() }

// hello injects a Hello from a neighbor.
func (tn *testNode) hello(vif uint16, src netip.Addr, mutate func(*packet.Hello)) {
	h := &packet.Hello{
		Holdtime:    105,
		HasHoldtime: true,
		GenID:       0x1234,
		HasGenID:    true,
		DRPriority:  1,
		HasDRPriority: true,
	}
	if mutate != nil {
		mutate(h)
	}
	tn.node.ProcessPacket(vif, src, h.Marshal())
	tn.settle()
}

// addRoute installs a unicast route and sweeps RPF.
func (tn *testNode) addRoute(prefix string, nexthop netip.Addr, vif uint16, dist, metric uint32) {
	tn.node.mrib.AddRoute(mrib.Entry{
		Prefix:        netip.MustParsePrefix(prefix),
		NextHop:       nexthop,
		VifIndex:      vif,
		Metric:        metric,
		AdminDistance: dist,
	})
	tn.node.MribChanged(tn.node.mrib.Commit())
	tn.settle()
}

// delRoute removes a unicast route and sweeps RPF.
func (tn *testNode) delRoute(prefix string) {
	tn.node.mrib.DeleteRoute(netip.MustParsePrefix(prefix))
	tn.node.MribChanged(tn.node.mrib.Commit())
	tn.settle()
}

// standardSetup installs the upstream neighbor, the routes toward the RP
// and toward source1, and the static RP mapping.
func (tn *testNode) standardSetup() {
	tn.hello(vif1, upstream, nil)
	tn.addRoute("203.0.113.0/24", upstream, vif1, 110, 10)
	tn.addRoute("10.0.0.0/24", upstream, vif1, 110, 10)
	tn.node.rps.AddStaticRP(rpAddr, netip.MustParsePrefix("224.0.0.0/4"), 192)
	tn.settle()
	tn.sender.clear()
}

// findGroupRecord returns the record for a group in a Join/Prune message.
func findGroupRecord(jp *packet.JoinPrune, group netip.Addr) *packet.JoinPruneGroup {
	for i := range jp.Groups {
		if jp.Groups[i].Group.Addr == group {
			return &jp.Groups[i]
		}
	}
	return nil
}
