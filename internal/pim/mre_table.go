package pim

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/metrics"
)

type sgKey struct {
	source netip.Addr
	group  netip.Addr
}

// MreTable indexes the four entry classes by (source, group) and offers the
// group-indexed iteration and deferred-task facilities the rest of the core
// is built on.
type MreTable struct {
	node *Node

	rp    map[netip.Addr]*MRE // keyed by RP address
	wc    map[netip.Addr]*MRE // keyed by group
	sg    map[sgKey]*MRE
	sgRpt map[sgKey]*MRE

	// Group-indexed views of sg and sgRpt for the Join/Prune assembler and
	// for propagating per-group events.
	sgByGroup    map[netip.Addr]map[netip.Addr]*MRE
	sgRptByGroup map[netip.Addr]map[netip.Addr]*MRE

	// Entries whose upstream RPF neighbor is unresolved.
	orphans map[*MRE]struct{}

	tasks []task
}

func newMreTable(node *Node) *MreTable {
	return &MreTable{
		node:         node,
		rp:           make(map[netip.Addr]*MRE),
		wc:           make(map[netip.Addr]*MRE),
		sg:           make(map[sgKey]*MRE),
		sgRpt:        make(map[sgKey]*MRE),
		sgByGroup:    make(map[netip.Addr]map[netip.Addr]*MRE),
		sgRptByGroup: make(map[netip.Addr]map[netip.Addr]*MRE),
		orphans:      make(map[*MRE]struct{}),
	}
}

// Find looks up the most specific entry matching (source, group) among the
// kinds named in lookup, scanning SG, SG-rpt, WC, RP in that order. When no
// entry matches and create is non-empty, the most specific kind in create
// is created.
func (t *MreTable) Find(source, group netip.Addr, lookup, create LookupMask) *MRE {
	if lookup&MaskSG != 0 {
		if m := t.sg[sgKey{source, group}]; m != nil {
			return m
		}
	}
	if lookup&MaskSGRpt != 0 {
		if m := t.sgRpt[sgKey{source, group}]; m != nil {
			return m
		}
	}
	if lookup&MaskWC != 0 {
		if m := t.wc[group]; m != nil {
			return m
		}
	}
	if lookup&MaskRP != 0 {
		if m := t.rp[source]; m != nil {
			return m
		}
	}

	switch {
	case create&MaskSG != 0:
		return t.create(KindSG, source, group)
	case create&MaskSGRpt != 0:
		return t.create(KindSGRpt, source, group)
	case create&MaskWC != 0:
		return t.create(KindWC, netip.Addr{}, group)
	case create&MaskRP != 0:
		return t.create(KindRP, source, group)
	}
	return nil
}

// Get returns the exact entry of the given kind, without creating.
func (t *MreTable) Get(kind EntryKind, source, group netip.Addr) *MRE {
	switch kind {
	case KindSG:
		return t.sg[sgKey{source, group}]
	case KindSGRpt:
		return t.sgRpt[sgKey{source, group}]
	case KindWC:
		return t.wc[group]
	case KindRP:
		return t.rp[source]
	}
	return nil
}

func (t *MreTable) create(kind EntryKind, source, group netip.Addr) *MRE {
	m := newMRE(t.node, kind, source, group)
	switch kind {
	case KindSG:
		t.sg[sgKey{source, group}] = m
		t.indexGroup(t.sgByGroup, m)
	case KindSGRpt:
		t.sgRpt[sgKey{source, group}] = m
		t.indexGroup(t.sgRptByGroup, m)
	case KindWC:
		t.wc[group] = m
	case KindRP:
		t.rp[source] = m
	}
	metrics.MreEntries.WithLabelValues(kind.String()).Inc()
	t.node.log.Debug("mre created", "kind", kind, "source", source, "group", group)
	t.node.assignRP(m)
	m.recomputeRPF()
	return m
}

func (t *MreTable) indexGroup(idx map[netip.Addr]map[netip.Addr]*MRE, m *MRE) {
	g := idx[m.Group]
	if g == nil {
		g = make(map[netip.Addr]*MRE)
		idx[m.Group] = g
	}
	g[m.Source] = m
}

func (t *MreTable) remove(m *MRE) {
	switch m.kind {
	case KindSG:
		delete(t.sg, sgKey{m.Source, m.Group})
		t.unindexGroup(t.sgByGroup, m)
	case KindSGRpt:
		delete(t.sgRpt, sgKey{m.Source, m.Group})
		t.unindexGroup(t.sgRptByGroup, m)
	case KindWC:
		delete(t.wc, m.Group)
	case KindRP:
		delete(t.rp, m.Source)
	}
	delete(t.orphans, m)
	m.isOrphan = false
	m.teardown()
	metrics.MreEntries.WithLabelValues(m.kind.String()).Dec()
	t.node.log.Debug("mre removed", "kind", m.kind, "source", m.Source, "group", m.Group)
}

func (t *MreTable) unindexGroup(idx map[netip.Addr]map[netip.Addr]*MRE, m *MRE) {
	if g := idx[m.Group]; g != nil {
		delete(g, m.Source)
		if len(g) == 0 {
			delete(idx, m.Group)
		}
	}
}

// ForEachSGOfGroup calls fn for every SG entry with the given group.
func (t *MreTable) ForEachSGOfGroup(group netip.Addr, fn func(*MRE)) {
	for _, m := range t.sgByGroup[group] {
		fn(m)
	}
}

// ForEachSGRptOfGroup calls fn for every SG-rpt entry with the given group.
func (t *MreTable) ForEachSGRptOfGroup(group netip.Addr, fn func(*MRE)) {
	for _, m := range t.sgRptByGroup[group] {
		fn(m)
	}
}

// ForEach calls fn for every entry of every kind.
func (t *MreTable) ForEach(fn func(*MRE)) {
	for _, m := range t.rp {
		fn(m)
	}
	for _, m := range t.wc {
		fn(m)
	}
	for _, m := range t.sg {
		fn(m)
	}
	for _, m := range t.sgRpt {
		fn(m)
	}
}

// Size returns the total number of entries.
func (t *MreTable) Size() int {
	return len(t.rp) + len(t.wc) + len(t.sg) + len(t.sgRpt)
}

// markOrphan places the entry on the orphan list until an upstream
// neighbor appears.
func (t *MreTable) markOrphan(m *MRE) {
	if !m.isOrphan {
		m.isOrphan = true
		t.orphans[m] = struct{}{}
	}
}

func (t *MreTable) clearOrphan(m *MRE) {
	if m.isOrphan {
		m.isOrphan = false
		delete(t.orphans, m)
	}
}

// reparentOrphans re-resolves RPF for every orphan when a neighbor appears.
func (t *MreTable) reparentOrphans() {
	for m := range t.orphans {
		m.recomputeRPF()
	}
}
