package pim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmcast/pimsm/internal/kernel"
)

// Invariant: the installed oif bitmap always equals inherited_olist(S,G)
// minus the incoming interface.
func TestMFC_OlistTracksEntries(t *testing.T) {
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
	entry, ok := tn.fwd.Entry(source1, group1)
	require.True(t, ok)
	assert.Equal(t, sg.inheritedOlistSG().Without(entry.IIF), entry.Oifs)

	// Receiver withdrawal empties the olist; the kernel entry follows.
	tn.node.RemoveLocalReceiver(group1, vif0)
	tn.settle()
	entry, ok = tn.fwd.Entry(source1, group1)
	if ok {
		assert.True(t, entry.Oifs.IsEmpty())
	}
}

// An MFC with no justifying routing entry is force-deleted.
func TestMFC_ForceDeleteWithoutJustifyingEntry(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()
	require.Equal(t, 1, tn.fwd.EntryCount())

	// Tear the SG entry down directly; reconciliation must follow.
	sg := tn.node.mres.Get(KindSG, source1, group1)
	require.NotNil(t, sg)
	sg.keepaliveTimer.Stop()
	sg.keepaliveExpired()
	tn.settle()

	assert.Zero(t, tn.fwd.EntryCount())
	assert.Nil(t, tn.node.mres.Get(KindSG, source1, group1))
}

// The reconciliation loses its iif when the route toward the RP goes away,
// and the kernel entry is removed rather than left dangling.
func TestMFC_InvalidIIFForcesDeletion(t *testing.T) {
	tn := newTestNode(t)
	tn.standardSetup()

	tn.node.handleUpcall(kernel.Upcall{
		Type:     kernel.UpcallNoCache,
		VifIndex: vif0,
		Source:   source1,
		Group:    group1,
	})
	tn.settle()
	require.Equal(t, 1, tn.fwd.EntryCount())

	tn.delRoute("203.0.113.0/24")
	tn.settle()
	assert.Zero(t, tn.fwd.EntryCount())
}

// No redundant writes: repeated reconciliation with unchanged state issues
// no extra kernel writes.
func TestMFC_NoRedundantKernelWrites(t *testing.T) {
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

	calls := tn.fwd.AddCalls()
	tn.node.reconcileMFC(source1, group1)
	tn.node.reconcileMFC(source1, group1)
	tn.settle()
	assert.Equal(t, calls, tn.fwd.AddCalls())
}
