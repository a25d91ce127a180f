// Package mrib maintains the Multicast Routing Information Base: a snapshot
// of unicast routing used for Reverse-Path-Forwarding lookups. Routes
// arrive from an external feed as add/delete operations grouped into
// transactions; committing a transaction swaps in a new longest-prefix-match
// table so lookups always see a consistent snapshot.
package mrib

import (
	"log/slog"
	"net/netip"

	"github.com/gaissmai/bart"
)

// Entry is one unicast route in the MRIB.
type Entry struct {
	Prefix        netip.Prefix
	NextHop       netip.Addr
	VifIndex      uint16
	Metric        uint32
	AdminDistance uint32
}

// Table is the MRIB. All methods must be called from the owning goroutine;
// the copy-on-write table swap keeps each individual Lookup consistent even
// while a transaction is being staged.
type Table struct {
	log     *slog.Logger
	table   *bart.Table[Entry]
	staged  *bart.Table[Entry]
	touched []netip.Prefix
}

// Config holds configuration for the MRIB table.
type Config struct {
	Logger *slog.Logger
}

// New creates an empty MRIB.
func New(cfg *Config) *Table {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		log:   cfg.Logger,
		table: new(bart.Table[Entry]),
	}
}

// Lookup returns the longest-prefix-match route for addr.
func (t *Table) Lookup(addr netip.Addr) (Entry, bool) {
	return t.table.Lookup(addr)
}

// LookupPrefix returns the exact route for a prefix, if present.
func (t *Table) LookupPrefix(p netip.Prefix) (Entry, bool) {
	return t.table.Get(p)
}

// AddRoute stages a route add/replace in the current transaction.
func (t *Table) AddRoute(e Entry) {
	t.ensureStaged()
	t.staged.Insert(e.Prefix, e)
	t.touched = append(t.touched, e.Prefix)
	t.log.Debug("mrib add", "prefix", e.Prefix, "nexthop", e.NextHop, "vif", e.VifIndex)
}

// DeleteRoute stages a route delete in the current transaction.
func (t *Table) DeleteRoute(p netip.Prefix) {
	t.ensureStaged()
	t.staged.Delete(p)
	t.touched = append(t.touched, p)
	t.log.Debug("mrib delete", "prefix", p)
}

// Commit ends the transaction: the staged table becomes visible to lookups
// in one swap, and the set of touched prefixes is returned so the caller
// can sweep affected routing entries once per transaction.
func (t *Table) Commit() []netip.Prefix {
	if t.staged == nil {
		return nil
	}
	t.table = t.staged
	t.staged = nil
	touched := t.touched
	t.touched = nil
	t.log.Debug("mrib transaction committed", "changes", len(touched))
	return touched
}

// Size returns the number of routes in the visible snapshot.
func (t *Table) Size() int {
	return t.table.Size()
}

// All calls fn for every route in the visible snapshot.
func (t *Table) All(fn func(Entry) bool) {
	for _, e := range t.table.All() {
		if !fn(e) {
			return
		}
	}
}

// Covers reports whether prefix covers addr.
func Covers(p netip.Prefix, addr netip.Addr) bool {
	return p.Contains(addr)
}

func (t *Table) ensureStaged() {
	if t.staged == nil {
		// Lookups keep using the old snapshot until Commit.
		t.staged = t.table.Clone()
	}
}
