package pim

import (
	"encoding/binary"
	"net/netip"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/packet"
)

// The RP table is the consumer side of group-to-RP mapping: static
// configuration plus the RP-set extracted from Bootstrap messages. RP
// selection for a group follows the longest matching group prefix, then
// the best (numerically lowest) priority, then the RFC hash, then the
// highest address.

const defaultHashMaskLen4 = 30
const defaultHashMaskLen6 = 126

// RPEntry is one candidate RP for a group prefix.
type RPEntry struct {
	RP       netip.Addr
	Prefix   netip.Prefix
	Priority uint8

	static      bool
	hashMaskLen uint8
	expiry      *eventloop.Timer
}

// RPTable maps groups to their RP.
type RPTable struct {
	node    *Node
	entries []*RPEntry
}

func newRPTable(node *Node) *RPTable {
	return &RPTable{node: node}
}

// AddStaticRP installs an operator-configured RP for a group prefix.
func (t *RPTable) AddStaticRP(rp netip.Addr, prefix netip.Prefix, priority uint8) {
	t.upsert(&RPEntry{RP: rp, Prefix: prefix, Priority: priority, static: true})
}

// ConsumeBootstrap folds a Bootstrap message's RP-set into the table. Only
// the elected RP-set is consumed; BSR election happens elsewhere.
func (t *RPTable) ConsumeBootstrap(bs *packet.Bootstrap) {
	for i := range bs.Groups {
		g := &bs.Groups[i]
		prefix, err := g.Prefix.Addr.Prefix(int(g.Prefix.MaskLen))
		if err != nil {
			continue
		}
		for _, rp := range g.RPs {
			e := &RPEntry{
				RP:          rp.Addr,
				Prefix:      prefix,
				Priority:    rp.Priority,
				hashMaskLen: bs.HashMaskLen,
			}
			t.upsert(e)
			if rp.Holdtime > 0 {
				e.expiry = t.node.loop.NewTimer(func() { t.removeEntry(e) })
				e.expiry.Schedule(secondsDuration(rp.Holdtime))
			}
		}
	}
}

func (t *RPTable) upsert(e *RPEntry) {
	for i, old := range t.entries {
		if old.RP == e.RP && old.Prefix == e.Prefix {
			if old.expiry != nil {
				old.expiry.Stop()
			}
			t.entries[i] = e
			t.notifyGroups(e.Prefix)
			return
		}
	}
	t.entries = append(t.entries, e)
	t.node.log.Info("rp learned", "rp", e.RP, "prefix", e.Prefix, "priority", e.Priority)
	t.notifyGroups(e.Prefix)
}

func (t *RPTable) removeEntry(e *RPEntry) {
	for i, old := range t.entries {
		if old == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.node.log.Info("rp expired", "rp", e.RP, "prefix", e.Prefix)
			t.notifyGroups(e.Prefix)
			return
		}
	}
}

// DeleteRP removes an RP from the table entirely.
func (t *RPTable) DeleteRP(rp netip.Addr) {
	kept := t.entries[:0]
	var affected []netip.Prefix
	for _, e := range t.entries {
		if e.RP == rp {
			if e.expiry != nil {
				e.expiry.Stop()
			}
			affected = append(affected, e.Prefix)
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	for _, p := range affected {
		t.notifyGroups(p)
	}
}

// notifyGroups re-queues an RP-changed task for every group with state
// under the changed prefix.
func (t *RPTable) notifyGroups(prefix netip.Prefix) {
	groups := make(map[netip.Addr]struct{})
	for g := range t.node.mres.wc {
		if prefix.Contains(g) {
			groups[g] = struct{}{}
		}
	}
	for g := range t.node.mres.sgByGroup {
		if prefix.Contains(g) {
			groups[g] = struct{}{}
		}
	}
	for g := range t.node.mres.sgRptByGroup {
		if prefix.Contains(g) {
			groups[g] = struct{}{}
		}
	}
	for g := range groups {
		t.node.mres.enqueueTask(taskRPChanged, taskKey{group: g})
	}
}

// RPForGroup selects the RP for a group.
func (t *RPTable) RPForGroup(group netip.Addr) (netip.Addr, bool) {
	var best *RPEntry
	var bestHash uint32
	for _, e := range t.entries {
		if !e.Prefix.Contains(group) {
			continue
		}
		if best == nil {
			best, bestHash = e, hashRP(group, e)
			continue
		}
		switch {
		case e.Prefix.Bits() != best.Prefix.Bits():
			if e.Prefix.Bits() > best.Prefix.Bits() {
				best, bestHash = e, hashRP(group, e)
			}
		case e.Priority != best.Priority:
			if e.Priority < best.Priority {
				best, bestHash = e, hashRP(group, e)
			}
		default:
			h := hashRP(group, e)
			if h > bestHash || (h == bestHash && e.RP.Compare(best.RP) > 0) {
				best, bestHash = e, h
			}
		}
	}
	if best == nil {
		return netip.Addr{}, false
	}
	return best.RP, true
}

// hashRP computes the RP hash value from the protocol's hash function, on
// the group address masked to the hash mask length.
func hashRP(group netip.Addr, e *RPEntry) uint32 {
	maskLen := e.hashMaskLen
	if maskLen == 0 {
		if group.Is4() {
			maskLen = defaultHashMaskLen4
		} else {
			maskLen = defaultHashMaskLen6
		}
	}
	masked, err := group.Prefix(int(maskLen))
	if err != nil {
		masked, _ = group.Prefix(group.BitLen())
	}
	g := addrWord(masked.Addr())
	c := addrWord(e.RP)

	const k = 1103515245
	v := k*((k*g+12345)^c) + 12345
	return v % (1 << 31)
}

// addrWord folds an address into the 32-bit quantity the hash runs on.
func addrWord(a netip.Addr) uint32 {
	if a.Is4() {
		b := a.As4()
		return binary.BigEndian.Uint32(b[:])
	}
	b := a.As16()
	var v uint32
	for i := 0; i < 16; i += 4 {
		v ^= binary.BigEndian.Uint32(b[i : i+4])
	}
	return v
}

// assignRP refreshes an entry's RP pointer from the table; the WC, SG and
// SG-rpt entries of a group converge on the same mapping because they all
// read the same table.
func (node *Node) assignRP(m *MRE) {
	if m.kind == KindRP {
		m.rpAddr = m.Source
		m.hasRPAddr = true
		m.iAmRP = node.isMyAddr(m.Source)
		return
	}
	rp, ok := node.rps.RPForGroup(m.Group)
	changed := ok != m.hasRPAddr || (ok && rp != m.rpAddr)
	m.rpAddr = rp
	m.hasRPAddr = ok
	m.iAmRP = ok && node.isMyAddr(rp)
	if changed && m.kind == KindSG {
		m.registerRPChanged()
	}
}
