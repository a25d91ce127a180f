package pim

import (
	"net/netip"
)

// taskKind names a deferred sweep over a subset of the MRE table. Events
// that must visit many entries (an RPF change, a GenID change, an RP
// change) are queued here and drained in bounded batches after the event
// that enqueued them.
type taskKind uint8

const (
	taskRPFChangeRP taskKind = iota // prefix covering an RP address changed
	taskRPFChangeS                  // prefix covering a source changed
	taskRPChanged                   // RP(G) mapping changed for a group
	taskNeighborGenID
	taskNeighborNew
	taskIAmDRChanged
	taskSPTSwitchThreshold
)

type taskKey struct {
	prefix   netip.Prefix
	group    netip.Addr
	nbr      *Neighbor
	vifIndex uint16
}

type task struct {
	kind taskKind
	key  taskKey
	// Entries spliced from a neighbor's dependent list before the drain,
	// so mutations during the drain do not re-enter the set.
	pending []*MRE
	started bool
}

// enqueueTask appends a deferred task and schedules a drain.
func (t *MreTable) enqueueTask(kind taskKind, key taskKey) {
	t.tasks = append(t.tasks, task{kind: kind, key: key})
	t.node.scheduleTaskDrain()
}

// taskTargets reports whether any queued task may still visit the entry,
// which blocks entry removal.
func (t *MreTable) taskTargets(m *MRE) bool {
	for i := range t.tasks {
		for _, p := range t.tasks[i].pending {
			if p == m {
				return true
			}
		}
	}
	return false
}

// drainTasks processes up to budget entry visits, returning true when all
// tasks completed. Remaining work stays queued for the next turn.
func (t *MreTable) drainTasks(budget int) bool {
	for len(t.tasks) > 0 {
		tk := &t.tasks[0]
		if !tk.started {
			tk.pending = t.collectTargets(tk)
			tk.started = true
		}
		for len(tk.pending) > 0 {
			if budget <= 0 {
				return false
			}
			m := tk.pending[0]
			tk.pending = tk.pending[1:]
			t.applyTask(tk, m)
			budget--
		}
		t.tasks = t.tasks[1:]
	}
	return true
}

// collectTargets snapshots the entries a task will visit. Tasks driven by a
// neighbor splice that neighbor's dependent-MRE list.
func (t *MreTable) collectTargets(tk *task) []*MRE {
	var out []*MRE
	switch tk.kind {
	case taskNeighborGenID, taskNeighborNew:
		out = tk.key.nbr.spliceDependents()
		// The splice emptied the neighbor's list; each visited entry
		// re-registers itself when its RPF fields still resolve to the
		// neighbor.
		for _, m := range out {
			m.reattachNeighborRefs()
		}
	case taskRPFChangeRP:
		t.ForEach(func(m *MRE) {
			if m.hasRPAddr && tk.key.prefix.Contains(m.rpAddr) {
				out = append(out, m)
			} else if m.kind == KindRP && tk.key.prefix.Contains(m.Source) {
				out = append(out, m)
			}
		})
	case taskRPFChangeS:
		for _, m := range t.sg {
			if tk.key.prefix.Contains(m.Source) {
				out = append(out, m)
			}
		}
		for _, m := range t.sgRpt {
			if tk.key.prefix.Contains(m.Source) {
				out = append(out, m)
			}
		}
	case taskRPChanged:
		if m := t.wc[tk.key.group]; m != nil {
			out = append(out, m)
		}
		for _, m := range t.sgByGroup[tk.key.group] {
			out = append(out, m)
		}
		for _, m := range t.sgRptByGroup[tk.key.group] {
			out = append(out, m)
		}
	case taskIAmDRChanged:
		for _, m := range t.sg {
			out = append(out, m)
		}
	case taskSPTSwitchThreshold:
		for _, m := range t.sg {
			out = append(out, m)
		}
	}
	return out
}

func (t *MreTable) applyTask(tk *task, m *MRE) {
	switch tk.kind {
	case taskRPFChangeRP, taskRPFChangeS:
		m.recomputeRPF()
	case taskRPChanged:
		t.node.assignRP(m)
		m.recomputeRPF()
		m.reevaluateUpstream()
	case taskNeighborGenID:
		m.neighborGenIDChanged(tk.key.nbr)
	case taskNeighborNew:
		m.neighborAppeared()
	case taskIAmDRChanged:
		m.recomputeCouldRegister()
	case taskSPTSwitchThreshold:
		t.node.refreshSPTSwitchMonitor(m)
	}
	m.tryRemove()
}
