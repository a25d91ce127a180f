package pim

import (
	"net/netip"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/packet"
)

// Neighbor is one PIM neighbor learned from Hello, keyed by (vif, primary
// address). A neighbor keeps the set of routing entries whose RPF fields
// reference it, each exactly once, so that neighbor death and GenID changes
// can visit exactly the affected entries.
type Neighbor struct {
	vif  *Vif
	Addr netip.Addr

	Holdtime uint16

	DRPriority    uint32
	HasDRPriority bool

	GenID    uint32
	HasGenID bool

	LANPruneDelay    packet.LANPruneDelay
	HasLANPruneDelay bool

	SecondaryAddrs []netip.Addr

	livenessTimer *eventloop.Timer

	// Dependent routing entries. Populated through MRE RPF field updates;
	// an entry appears exactly once no matter how many of its RPF fields
	// reference this neighbor.
	mres map[*MRE]struct{}
}

// Vif returns the interface the neighbor lives on.
func (n *Neighbor) Vif() *Vif { return n.vif }

// VifIndex returns the index of the interface the neighbor lives on.
func (n *Neighbor) VifIndex() uint16 { return n.vif.Index }

// HasAddr reports whether addr is the neighbor's primary or one of its
// secondary addresses.
func (n *Neighbor) HasAddr(addr netip.Addr) bool {
	if n.Addr == addr {
		return true
	}
	for _, a := range n.SecondaryAddrs {
		if a == addr {
			return true
		}
	}
	return false
}

// DependentCount returns the number of routing entries referencing this
// neighbor.
func (n *Neighbor) DependentCount() int { return len(n.mres) }

func (n *Neighbor) addDependent(mre *MRE) {
	n.mres[mre] = struct{}{}
}

func (n *Neighbor) removeDependent(mre *MRE) {
	if _, ok := n.mres[mre]; !ok {
		// A release without a matching reference means the dependent list
		// is corrupt; continuing would forward on stale state.
		panic("pim: neighbor dependent-MRE reference underflow")
	}
	delete(n.mres, mre)
}

// spliceDependents moves the dependent list to a side processing list so
// mutations during a drain do not re-enter the set.
func (n *Neighbor) spliceDependents() []*MRE {
	out := make([]*MRE, 0, len(n.mres))
	for mre := range n.mres {
		out = append(out, mre)
	}
	n.mres = make(map[*MRE]struct{})
	return out
}

// upsertNeighbor creates or refreshes a neighbor from a received Hello.
func (node *Node) upsertNeighbor(v *Vif, src netip.Addr, h *packet.Hello) *Neighbor {
	nbr := v.neighbors[src]
	created := nbr == nil
	if created {
		nbr = &Neighbor{
			vif:  v,
			Addr: src,
			mres: make(map[*MRE]struct{}),
		}
		nbr.livenessTimer = node.loop.NewTimer(func() { node.neighborExpired(nbr) })
		v.neighbors[src] = nbr
		metrics.Neighbors.Inc()
		node.log.Info("neighbor up", "vif", v.Name, "addr", src)
	}

	genIDChanged := !created && nbr.HasGenID && h.HasGenID && nbr.GenID != h.GenID
	prioChanged := created ||
		nbr.HasDRPriority != h.HasDRPriority ||
		nbr.EffectiveDRPriority() != h.EffectiveDRPriority()

	nbr.Holdtime = h.EffectiveHoldtime()
	nbr.DRPriority = h.EffectiveDRPriority()
	nbr.HasDRPriority = h.HasDRPriority
	if h.HasGenID {
		nbr.GenID = h.GenID
		nbr.HasGenID = true
	}
	if h.HasLANPruneDelay {
		nbr.LANPruneDelay = h.LANPruneDelay
		nbr.HasLANPruneDelay = true
	}
	nbr.SecondaryAddrs = h.SecondaryAddrs

	if nbr.Holdtime == packet.HoldtimeForever {
		nbr.livenessTimer.Stop()
	} else {
		nbr.livenessTimer.Schedule(secondsDuration(nbr.Holdtime))
	}

	if created {
		// A new neighbor may adopt entries waiting on the orphan list.
		node.mres.reparentOrphans()
		// A new neighbor on the LAN means our Joined state must be
		// re-announced promptly so the newcomer learns it.
		node.mres.enqueueTask(taskNeighborNew, taskKey{nbr: nbr})
	}
	if genIDChanged {
		node.log.Info("neighbor restarted", "vif", v.Name, "addr", src,
			"genid", h.GenID)
		node.mres.enqueueTask(taskNeighborGenID, taskKey{nbr: nbr})
	}
	if created || prioChanged {
		v.electDR()
	}
	return nbr
}

// EffectiveDRPriority returns the priority used in DR election.
func (n *Neighbor) EffectiveDRPriority() uint32 {
	if n.HasDRPriority {
		return n.DRPriority
	}
	return packet.DefaultDRPriority
}

// neighborExpired handles liveness-timer expiry: the dependent-MRE list is
// spliced out, the neighbor removed, and every dependent entry recomputes
// its RPF fields.
func (node *Node) neighborExpired(nbr *Neighbor) {
	node.removeNeighbor(nbr)
}

func (node *Node) removeNeighbor(nbr *Neighbor) {
	v := nbr.vif
	if v.neighbors[nbr.Addr] != nbr {
		return
	}
	node.log.Info("neighbor down", "vif", v.Name, "addr", nbr.Addr)
	nbr.livenessTimer.Stop()
	delete(v.neighbors, nbr.Addr)
	metrics.Neighbors.Dec()

	dependents := nbr.spliceDependents()
	for _, mre := range dependents {
		mre.clearNeighborRefs(nbr)
		mre.recomputeRPF()
		mre.tryRemove()
	}
	v.electDR()
}

// removeVifNeighbors drops every neighbor on a vif, e.g. on operator
// delete_vif.
func (node *Node) removeVifNeighbors(v *Vif) {
	for _, nbr := range v.neighbors {
		node.removeNeighbor(nbr)
	}
}
