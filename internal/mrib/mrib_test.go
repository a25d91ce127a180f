package mrib

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func route(prefix, nexthop string, vif uint16) Entry {
	return Entry{
		Prefix:        netip.MustParsePrefix(prefix),
		NextHop:       netip.MustParseAddr(nexthop),
		VifIndex:      vif,
		Metric:        10,
		AdminDistance: 110,
	}
}

func TestTable_LongestPrefixMatch(t *testing.T) {
	t.Parallel()

	tbl := New(nil)
	tbl.AddRoute(route("10.0.0.0/8", "192.0.2.1", 0))
	tbl.AddRoute(route("10.1.0.0/16", "192.0.2.2", 1))
	tbl.Commit()

	e, ok := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.2"), e.NextHop)

	e, ok = tbl.Lookup(netip.MustParseAddr("10.2.0.1"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), e.NextHop)

	_, ok = tbl.Lookup(netip.MustParseAddr("172.16.0.1"))
	assert.False(t, ok)
}

func TestTable_TransactionVisibility(t *testing.T) {
	t.Parallel()

	tbl := New(nil)
	tbl.AddRoute(route("10.0.0.0/8", "192.0.2.1", 0))
	tbl.Commit()

	// Staged changes are invisible until Commit.
	tbl.DeleteRoute(netip.MustParsePrefix("10.0.0.0/8"))
	_, ok := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	assert.True(t, ok)

	touched := tbl.Commit()
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, touched)
	_, ok = tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	assert.False(t, ok)
}

func TestTable_AddThenDeleteRestoresLookup(t *testing.T) {
	t.Parallel()

	tbl := New(nil)
	tbl.AddRoute(route("10.0.0.0/8", "192.0.2.1", 0))
	tbl.Commit()

	before, ok := tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)

	tbl.AddRoute(route("10.0.0.0/24", "192.0.2.9", 3))
	tbl.Commit()
	mid, ok := tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.9"), mid.NextHop)

	tbl.DeleteRoute(netip.MustParsePrefix("10.0.0.0/24"))
	tbl.Commit()
	after, ok := tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestTable_EmptyCommit(t *testing.T) {
	t.Parallel()

	tbl := New(nil)
	assert.Nil(t, tbl.Commit())
}

func TestTable_Size(t *testing.T) {
	t.Parallel()

	tbl := New(nil)
	tbl.AddRoute(route("10.0.0.0/8", "192.0.2.1", 0))
	tbl.AddRoute(route("172.16.0.0/12", "192.0.2.2", 1))
	tbl.Commit()
	assert.Equal(t, 2, tbl.Size())
}
