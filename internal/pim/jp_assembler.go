package pim

import (
	"errors"
	"net/netip"
	"sort"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/packet"
)

// The Join/Prune assembler collects per-upstream-neighbor work items,
// applies the protocol's semantic coalescing rules, and once per loop turn
// folds everything into MTU-bounded wire packets.

// JPAction selects join or prune for an assembler entry.
type JPAction uint8

const (
	ActionJoin JPAction = iota
	ActionPrune
)

func (a JPAction) String() string {
	if a == ActionJoin {
		return "join"
	}
	return "prune"
}

// ErrConflict is returned when a batch would carry both a Join and a Prune
// for the same entry.
var ErrConflict = errors.New("pim: conflicting join/prune entry in batch")

type jpTargetKey struct {
	vifIndex uint16
	addr     netip.Addr
}

type jpSources struct {
	joins  map[netip.Addr]struct{}
	prunes map[netip.Addr]struct{}
}

func newJPSources() jpSources {
	return jpSources{
		joins:  make(map[netip.Addr]struct{}),
		prunes: make(map[netip.Addr]struct{}),
	}
}

func (s *jpSources) has(action JPAction, addr netip.Addr) bool {
	if action == ActionJoin {
		_, ok := s.joins[addr]
		return ok
	}
	_, ok := s.prunes[addr]
	return ok
}

func (s *jpSources) add(action JPAction, addr netip.Addr) {
	if action == ActionJoin {
		s.joins[addr] = struct{}{}
	} else {
		s.prunes[addr] = struct{}{}
	}
}

// jpGroup accumulates the four entry classes for one group record.
type jpGroup struct {
	addr    netip.Addr
	maskLen uint8
	rp      jpSources
	wc      jpSources
	sg      jpSources
	sgRpt   jpSources
}

type jpTarget struct {
	key      jpTargetKey
	holdtime uint16
	groups   []*jpGroup
	byGroup  map[netip.Addr]*jpGroup
}

func (t *jpTarget) group(addr netip.Addr, maskLen uint8) *jpGroup {
	g := t.byGroup[addr]
	if g == nil {
		g = &jpGroup{
			addr:    addr,
			maskLen: maskLen,
			rp:      newJPSources(),
			wc:      newJPSources(),
			sg:      newJPSources(),
			sgRpt:   newJPSources(),
		}
		t.byGroup[addr] = g
		t.groups = append(t.groups, g)
	}
	return g
}

// Assembler is the per-node Join/Prune message builder.
type Assembler struct {
	node       *Node
	targets    map[jpTargetKey]*jpTarget
	flushTimer *eventloop.Timer
}

func newAssembler(node *Node) *Assembler {
	a := &Assembler{
		node:    node,
		targets: make(map[jpTargetKey]*jpTarget),
	}
	a.flushTimer = node.loop.NewTimer(a.Flush)
	return a
}

// Add queues one entry toward a target neighbor, applying the coalescing
// rules. The flush fires on the next loop turn so coalescing spans the
// whole batch of events of this turn.
func (a *Assembler) Add(vifIndex uint16, nbr netip.Addr, source, group netip.Addr,
	groupMaskLen uint8, kind EntryKind, action JPAction, holdtime uint16) error {

	key := jpTargetKey{vifIndex: vifIndex, addr: nbr}
	t := a.targets[key]
	if t == nil {
		t = &jpTarget{key: key, byGroup: make(map[netip.Addr]*jpGroup)}
		a.targets[key] = t
	}
	t.holdtime = holdtime

	g := t.group(group, groupMaskLen)
	var sources *jpSources

	switch kind {
	case KindRP:
		if g.rp.has(action, source) {
			return nil // already queued
		}
		if g.rp.has(otherAction(action), source) {
			return a.conflict(kind, action, source, group)
		}
		sources = &g.rp

	case KindWC:
		if g.wc.has(action, source) {
			return nil
		}
		if g.wc.has(otherAction(action), source) {
			return a.conflict(kind, action, source, group)
		}
		// A (*,G) entry inherits for every source: explicit (S,G,rpt)
		// Joins become redundant, and a (*,G) Prune voids the rpt Prunes
		// too.
		g.sgRpt.joins = make(map[netip.Addr]struct{})
		if action == ActionPrune {
			g.sgRpt.prunes = make(map[netip.Addr]struct{})
		}
		sources = &g.wc

	case KindSGRpt:
		if action == ActionJoin {
			if len(g.wc.joins) > 0 || len(g.wc.prunes) > 0 {
				return nil // inherited from the (*,G) entry
			}
			if g.sgRpt.has(ActionJoin, source) {
				return nil
			}
			if g.sgRpt.has(ActionPrune, source) {
				return a.conflict(kind, action, source, group)
			}
		} else {
			if len(g.wc.prunes) > 0 {
				return nil
			}
			if g.sgRpt.has(ActionJoin, source) {
				return a.conflict(kind, action, source, group)
			}
			if g.sgRpt.has(ActionPrune, source) {
				return nil
			}
			if g.sg.has(ActionJoin, source) || g.sg.has(ActionPrune, source) {
				return nil // the (S,G) entry supersedes
			}
		}
		sources = &g.sgRpt

	case KindSG:
		if g.sg.has(action, source) {
			return nil
		}
		if g.sg.has(otherAction(action), source) {
			return a.conflict(kind, action, source, group)
		}
		// An explicit (S,G) entry supersedes a queued rpt Prune.
		delete(g.sgRpt.prunes, source)
		sources = &g.sg
	}

	sources.add(action, source)
	a.flushTimer.Schedule(0)
	return nil
}

func otherAction(a JPAction) JPAction {
	if a == ActionJoin {
		return ActionPrune
	}
	return ActionJoin
}

func (a *Assembler) conflict(kind EntryKind, action JPAction, source, group netip.Addr) error {
	metrics.AssemblerConflicts.Inc()
	a.node.log.Error("join/prune assembler conflict", "kind", kind,
		"action", action, "source", source, "group", group)
	return ErrConflict
}

// Flush assembles and sends all outstanding work, then clears the
// accumulators.
func (a *Assembler) Flush() {
	targets := a.targets
	a.targets = make(map[jpTargetKey]*jpTarget)
	for _, t := range targets {
		a.emitTarget(t)
	}
}

// emitTarget performs auto-insertion and fragmentation for one neighbor.
func (a *Assembler) emitTarget(t *jpTarget) {
	v := a.node.vifs[t.key.vifIndex]
	if v == nil || !v.Enabled {
		return
	}

	a.autoInsertRptPrunes(t)

	mtu := v.MTU
	var cur *packet.JoinPrune
	curSize := 0

	flush := func() {
		if cur == nil || len(cur.Groups) == 0 {
			return
		}
		a.node.sendJoinPrune(v, cur)
		cur = nil
	}
	start := func() {
		cur = &packet.JoinPrune{
			UpstreamNeighbor: t.key.addr,
			Holdtime:         t.holdtime,
		}
		curSize = packet.HeaderSize + packet.EncodedUnicastSize(t.key.addr) + 4
	}
	start()

	for _, g := range t.groups {
		joins, prunes := g.orderedSources()
		if len(joins) == 0 && len(prunes) == 0 {
			continue
		}
		groupHeader := packet.EncodedGroupSize(g.addr) + 4

		ji, pi := 0, 0
		for ji < len(joins) || pi < len(prunes) {
			if len(cur.Groups) >= packet.MaxGroupsPerMessage {
				flush()
				start()
			}
			// The group record must fit with at least one source.
			first := firstSourceSize(joins, prunes, ji, pi)
			if curSize+groupHeader+first > mtu && len(cur.Groups) > 0 {
				flush()
				start()
			}

			rec := packet.JoinPruneGroup{
				Group: packet.EncodedGroup{Addr: g.addr, MaskLen: g.maskLen},
			}
			recSize := groupHeader

			for ji < len(joins) && len(rec.Joins) < packet.MaxSourcesPerGroup {
				s := packet.EncodedSourceSize(joins[ji].Addr)
				if curSize+recSize+s > mtu {
					break
				}
				rec.Joins = append(rec.Joins, joins[ji])
				recSize += s
				ji++
			}
			for pi < len(prunes) && len(rec.Prunes) < packet.MaxSourcesPerGroup {
				// Joins in this record keep their claim on the space.
				s := packet.EncodedSourceSize(prunes[pi].Addr)
				if curSize+recSize+s > mtu {
					break
				}
				rec.Prunes = append(rec.Prunes, prunes[pi])
				recSize += s
				pi++
			}

			if len(rec.Joins) == 0 && len(rec.Prunes) == 0 {
				// Nothing fits even in a fresh packet: the MTU cannot
				// carry a single record. Drop the remainder.
				a.node.log.Error("join/prune record exceeds mtu", "vif", v.Name,
					"group", g.addr)
				break
			}
			cur.Groups = append(cur.Groups, rec)
			curSize += recSize
		}
	}
	flush()
}

// orderedSources flattens a group accumulator into wire order. Joins carry
// the (*,*,RP), (*,G), (S,G) then (S,G,rpt) records; prunes the same with
// the rpt prunes ahead of the (S,G) prunes. Each class is sorted by
// ascending address so a fragmented prefix carries the numerically
// smallest sources.
func (g *jpGroup) orderedSources() (joins, prunes []packet.EncodedSource) {
	full := func(a netip.Addr) uint8 { return uint8(a.BitLen()) }

	for _, addr := range sortedAddrs(g.rp.joins) {
		joins = append(joins, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true, Wildcard: true, RPT: true})
	}
	for _, addr := range sortedAddrs(g.wc.joins) {
		joins = append(joins, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true, Wildcard: true, RPT: true})
	}
	for _, addr := range sortedAddrs(g.sg.joins) {
		joins = append(joins, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true})
	}
	for _, addr := range sortedAddrs(g.sgRpt.joins) {
		joins = append(joins, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true, RPT: true})
	}

	for _, addr := range sortedAddrs(g.rp.prunes) {
		prunes = append(prunes, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true, Wildcard: true, RPT: true})
	}
	for _, addr := range sortedAddrs(g.wc.prunes) {
		prunes = append(prunes, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true, Wildcard: true, RPT: true})
	}
	for _, addr := range sortedAddrs(g.sgRpt.prunes) {
		prunes = append(prunes, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true, RPT: true})
	}
	for _, addr := range sortedAddrs(g.sg.prunes) {
		prunes = append(prunes, packet.EncodedSource{
			Addr: addr, MaskLen: full(addr), Sparse: true})
	}
	return joins, prunes
}

func sortedAddrs(set map[netip.Addr]struct{}) []netip.Addr {
	out := make([]netip.Addr, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func firstSourceSize(joins, prunes []packet.EncodedSource, ji, pi int) int {
	if ji < len(joins) {
		return packet.EncodedSourceSize(joins[ji].Addr)
	}
	if pi < len(prunes) {
		return packet.EncodedSourceSize(prunes[pi].Addr)
	}
	return 0
}

// autoInsertRptPrunes walks the SG and SG-rpt entries of every group with a
// queued (*,G) Join and inserts the (S,G,rpt) Prunes that must ride along:
// sources forwarding on their own shortest-path tree through a different
// upstream, and sources with no remaining shared-tree interest.
func (a *Assembler) autoInsertRptPrunes(t *jpTarget) {
	for _, g := range t.groups {
		if len(g.wc.joins) == 0 {
			continue
		}
		wc := a.node.mres.wc[g.addr]
		if wc == nil {
			continue
		}

		a.node.mres.ForEachSGOfGroup(g.addr, func(sg *MRE) {
			if sg.sptBit && wc.nbrRPFWC != sg.nbrRPFSG {
				a.insertRptPrune(g, sg.Source)
			}
		})
		a.node.mres.ForEachSGRptOfGroup(g.addr, func(rpt *MRE) {
			if rpt.inheritedOlistSGRpt().IsEmpty() ||
				wc.nbrRPFWC != rpt.nbrRPFSGRpt {
				a.insertRptPrune(g, rpt.Source)
			}
		})
	}
}

func (a *Assembler) insertRptPrune(g *jpGroup, source netip.Addr) {
	if g.sgRpt.has(ActionPrune, source) {
		return
	}
	if g.sg.has(ActionJoin, source) {
		return
	}
	g.sgRpt.add(ActionPrune, source)
}
