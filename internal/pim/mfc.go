package pim

import (
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/vifset"
)

// MFC is the mirror of one kernel forwarding entry, keyed by (S,G). Every
// installed entry is justified by a routing entry; reconciliation
// recomputes iif and olist from the entry web and issues a kernel
// add-or-replace only when they differ from the installed state. Writes
// are not coalesced across a turn: each reconciliation that finds a
// change issues its own write, so one (S,G) can see several in one turn.
type MFC struct {
	node *Node

	Source netip.Addr
	Group  netip.Addr

	RP                netip.Addr
	IIF               uint16
	Olist             vifset.Set
	DisableWrongVif   vifset.Set
	installed         bool
	hasForcedDeletion bool

	idleMonitor *dataflowMonitor
	sptMonitor  *dataflowMonitor

	retryTimer   *eventloop.Timer
	retryBackoff *backoff.ExponentialBackOff
	kernelFailed bool
}

func (node *Node) mfcFor(source, group netip.Addr) *MFC {
	key := sgKey{source, group}
	f := node.mfcs[key]
	if f == nil {
		f = &MFC{
			node:   node,
			Source: source,
			Group:  group,
			IIF:    InvalidVifIndex,
		}
		f.retryTimer = node.loop.NewTimer(func() { node.reconcileMFC(source, group) })
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0 // retry until the entry goes away
		f.retryBackoff = bo
		node.mfcs[key] = f
	}
	return f
}

// mfcReferences reports whether an installed MFC still depends on the
// entry, which blocks entry removal.
func (node *Node) mfcReferences(m *MRE) bool {
	switch m.kind {
	case KindSG, KindSGRpt:
		f := node.mfcs[sgKey{m.Source, m.Group}]
		return f != nil && f.installed
	case KindWC:
		for _, f := range node.mfcs {
			if f.installed && f.Group == m.Group {
				return true
			}
		}
	case KindRP:
		for _, f := range node.mfcs {
			if f.installed && f.RP == m.Source {
				return true
			}
		}
	}
	return false
}

// updateMFC reconciles, at once, every forwarding entry this routing
// entry can influence.
func (m *MRE) updateMFC() {
	node := m.node
	switch m.kind {
	case KindSG, KindSGRpt:
		if node.mfcs[sgKey{m.Source, m.Group}] != nil || m.kind == KindSG {
			node.reconcileMFC(m.Source, m.Group)
		}
	case KindWC:
		for _, f := range node.mfcs {
			if f.Group == m.Group {
				node.reconcileMFC(f.Source, f.Group)
			}
		}
	case KindRP:
		for _, f := range node.mfcs {
			if f.RP == m.Source {
				node.reconcileMFC(f.Source, f.Group)
			}
		}
	}
}

// computeMFCState derives the desired forwarding state for (S,G) from the
// current routing entries.
func (node *Node) computeMFCState(source, group netip.Addr) (iif uint16, olist vifset.Set, rp netip.Addr, ok bool) {
	sg := node.mres.Get(KindSG, source, group)
	wc := node.mres.Get(KindWC, netip.Addr{}, group)

	var ref *MRE
	switch {
	case sg != nil:
		ref = sg
	case wc != nil:
		ref = wc
	default:
		if rpt := node.mres.Get(KindSGRpt, source, group); rpt != nil {
			ref = rpt
		}
	}
	if ref == nil {
		return InvalidVifIndex, 0, netip.Addr{}, false
	}

	if ref.hasRPAddr {
		rp = ref.rpAddr
	}

	if sg != nil && (sg.sptBit || sg.directlyConnectedS) {
		iif = sg.rpfInterfaceS()
	} else {
		iif = ref.rpfInterfaceRP()
	}
	if iif == InvalidVifIndex {
		return InvalidVifIndex, 0, rp, false
	}

	// The olist honors the per-source rpt prunes even when only an
	// (S,G,rpt) entry carries them.
	olistRef := ref
	if sg == nil {
		if rpt := node.mres.Get(KindSGRpt, source, group); rpt != nil {
			olistRef = rpt
		}
	}
	olist = olistRef.inheritedOlistSG()
	olist = olist.Without(iif)
	return iif, olist, rp, true
}

// reconcileMFC computes the final desired state for (S,G) and issues at
// most one kernel mutation.
func (node *Node) reconcileMFC(source, group netip.Addr) {
	iif, olist, rp, ok := node.computeMFCState(source, group)
	f := node.mfcs[sgKey{source, group}]

	if !ok {
		// No justifying entry or invalid iif: force-delete.
		if f != nil {
			f.hasForcedDeletion = true
			node.deleteMFC(source, group)
		}
		return
	}

	f = node.mfcFor(source, group)
	f.RP = rp

	unchanged := f.installed && f.IIF == iif && f.Olist == olist && !f.kernelFailed
	f.IIF = iif
	f.Olist = olist
	if unchanged {
		node.refreshMonitors(f)
		return
	}

	err := node.fwd.AddMFC(source, group, iif, olist, f.DisableWrongVif, rp)
	if err != nil {
		metrics.KernelMfcErrors.Inc()
		node.log.Error("kernel add_mfc failed", "source", source, "group", group, "error", err)
		f.kernelFailed = true
		// One retry per reconciliation turn until it sticks or the entry
		// goes away.
		f.retryTimer.Schedule(f.retryBackoff.NextBackOff())
		return
	}
	if !f.installed {
		metrics.MfcEntries.Inc()
	}
	f.installed = true
	f.kernelFailed = false
	f.retryBackoff.Reset()
	f.retryTimer.Stop()
	node.log.Debug("mfc installed", "source", source, "group", group,
		"iif", iif, "olist", olist.String())
	node.refreshMonitors(f)
}

// deleteMFC removes the (S,G) entry from the kernel and drops the mirror.
func (node *Node) deleteMFC(source, group netip.Addr) {
	f := node.mfcs[sgKey{source, group}]
	if f == nil {
		return
	}
	f.stopMonitors()
	f.retryTimer.Stop()
	if f.installed {
		if err := node.fwd.DeleteMFC(source, group); err != nil {
			metrics.KernelMfcErrors.Inc()
			node.log.Error("kernel delete_mfc failed", "source", source,
				"group", group, "error", err)
		}
		metrics.MfcEntries.Dec()
	}
	delete(node.mfcs, sgKey{source, group})
}

// KernelFailed reports whether the last kernel write for the entry failed,
// surfaced through the operator query.
func (f *MFC) KernelFailed() bool { return f.kernelFailed }

// Installed reports whether the entry is programmed in the kernel.
func (f *MFC) Installed() bool { return f.installed }
