package pim

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operator is the HTTP JSON control surface. Handlers run on their own
// goroutines and post closures into the event loop; they never touch core
// state directly.
type Operator struct {
	node *Node
	log  *slog.Logger
	mux  *http.ServeMux
}

// MREState is the operator view of one routing entry.
type MREState struct {
	Kind               string   `json:"kind"`
	Source             string   `json:"source,omitempty"`
	Group              string   `json:"group"`
	RP                 string   `json:"rp,omitempty"`
	UpstreamState      string   `json:"upstream_state"`
	RPFNeighbor        string   `json:"rpf_neighbor,omitempty"`
	RPFInterface       uint16   `json:"rpf_interface"`
	SPTBit             bool     `json:"spt_bit,omitempty"`
	KeepaliveRunning   bool     `json:"keepalive_running,omitempty"`
	CouldRegister      bool     `json:"could_register,omitempty"`
	RegisterState      string   `json:"register_state,omitempty"`
	DirectlyConnectedS bool     `json:"directly_connected_s,omitempty"`
	Orphan             bool     `json:"orphan,omitempty"`
	JoinedVifs         []uint16 `json:"joined_vifs,omitempty"`
}

// NeighborState is the operator view of one neighbor.
type NeighborState struct {
	Vif        string `json:"vif"`
	Addr       string `json:"addr"`
	Holdtime   uint16 `json:"holdtime"`
	DRPriority uint32 `json:"dr_priority"`
	GenID      uint32 `json:"gen_id"`
	Dependents int    `json:"dependent_mres"`
}

// MFCState is the operator view of one forwarding entry.
type MFCState struct {
	Source       string   `json:"source"`
	Group        string   `json:"group"`
	RP           string   `json:"rp,omitempty"`
	IIF          uint16   `json:"iif"`
	Olist        []uint16 `json:"olist"`
	Installed    bool     `json:"installed"`
	KernelFailed bool     `json:"kernel_failed,omitempty"`
}

// NewOperator builds the operator API around a node.
func NewOperator(node *Node, log *slog.Logger) *Operator {
	if log == nil {
		log = slog.Default()
	}
	o := &Operator{node: node, log: log, mux: http.NewServeMux()}
	o.mux.HandleFunc("GET /api/v1/state/mre", o.handleMREs)
	o.mux.HandleFunc("GET /api/v1/state/neighbors", o.handleNeighbors)
	o.mux.HandleFunc("GET /api/v1/state/mfc", o.handleMFC)
	o.mux.HandleFunc("GET /api/v1/state/errors", o.handleErrors)
	o.mux.HandleFunc("POST /api/v1/vif/{name}/enable", o.handleVifEnable)
	o.mux.HandleFunc("POST /api/v1/vif/{name}/disable", o.handleVifDisable)
	o.mux.HandleFunc("POST /api/v1/receiver/{group}/{vif}", o.handleAddReceiver)
	o.mux.HandleFunc("DELETE /api/v1/receiver/{group}/{vif}", o.handleDelReceiver)
	o.mux.HandleFunc("POST /api/v1/config/spt-switch", o.handleSPTSwitch)
	o.mux.HandleFunc("POST /api/v1/config/timers", o.handleTimers)
	o.mux.HandleFunc("POST /api/v1/config/trace", o.handleTrace)
	o.mux.HandleFunc("POST /api/v1/rp/static", o.handleStaticRP)
	o.mux.Handle("GET /metrics", promhttp.Handler())
	return o
}

// Handler returns the HTTP handler for serving.
func (o *Operator) Handler() http.Handler { return o.mux }

// Serve runs the operator API on addr until the server fails.
func (o *Operator) Serve(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           o.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	o.log.Info("operator API listening", "addr", addr)
	return srv.ListenAndServe()
}

func (o *Operator) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		o.log.Error("operator response encode failed", "error", err)
	}
}

func (o *Operator) handleMREs(w http.ResponseWriter, r *http.Request) {
	var out []MREState
	o.node.loop.PostAndWait(func() {
		o.node.mres.ForEach(func(m *MRE) {
			s := MREState{
				Kind:          m.kind.String(),
				Group:         m.Group.String(),
				UpstreamState: m.upstreamState.String(),
				RPFInterface:  m.RPFInterface(),
				SPTBit:        m.sptBit,
				Orphan:        m.isOrphan,
			}
			if m.Source.IsValid() {
				s.Source = m.Source.String()
			}
			if m.hasRPAddr {
				s.RP = m.rpAddr.String()
			}
			if nbr := m.RPFNeighbor(); nbr != nil {
				s.RPFNeighbor = nbr.Addr.String()
			}
			if m.kind == KindSG {
				s.KeepaliveRunning = m.KeepaliveRunning()
				s.CouldRegister = m.couldRegister
				s.RegisterState = m.registerState.String()
				s.DirectlyConnectedS = m.directlyConnectedS
			}
			m.joinedVifs().ForEach(func(i uint16) {
				s.JoinedVifs = append(s.JoinedVifs, i)
			})
			out = append(out, s)
		})
	})
	o.respond(w, out)
}

func (o *Operator) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	var out []NeighborState
	o.node.loop.PostAndWait(func() {
		for _, v := range o.node.vifs {
			for _, nbr := range v.neighbors {
				out = append(out, NeighborState{
					Vif:        v.Name,
					Addr:       nbr.Addr.String(),
					Holdtime:   nbr.Holdtime,
					DRPriority: nbr.DRPriority,
					GenID:      nbr.GenID,
					Dependents: nbr.DependentCount(),
				})
			}
		}
	})
	o.respond(w, out)
}

func (o *Operator) handleMFC(w http.ResponseWriter, r *http.Request) {
	var out []MFCState
	o.node.loop.PostAndWait(func() {
		for _, f := range o.node.mfcs {
			s := MFCState{
				Source:       f.Source.String(),
				Group:        f.Group.String(),
				IIF:          f.IIF,
				Installed:    f.installed,
				KernelFailed: f.kernelFailed,
			}
			if f.RP.IsValid() {
				s.RP = f.RP.String()
			}
			f.Olist.ForEach(func(i uint16) { s.Olist = append(s.Olist, i) })
			out = append(out, s)
		}
	})
	o.respond(w, out)
}

func (o *Operator) handleErrors(w http.ResponseWriter, r *http.Request) {
	var out map[string]uint64
	o.node.loop.PostAndWait(func() {
		out = o.node.RxErrorCounts()
	})
	o.respond(w, out)
}

func (o *Operator) handleVifEnable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var err error
	o.node.loop.PostAndWait(func() { err = o.node.EnableVif(name) })
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o.respond(w, map[string]string{"status": "ok"})
}

func (o *Operator) handleVifDisable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var err error
	o.node.loop.PostAndWait(func() { err = o.node.DisableVif(name) })
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o.respond(w, map[string]string{"status": "ok"})
}

func (o *Operator) parseReceiver(r *http.Request) (netip.Addr, *Vif, bool) {
	group, err := netip.ParseAddr(r.PathValue("group"))
	if err != nil || !group.IsMulticast() {
		return netip.Addr{}, nil, false
	}
	var v *Vif
	o.node.loop.PostAndWait(func() { v = o.node.vifsByName[r.PathValue("vif")] })
	if v == nil {
		return netip.Addr{}, nil, false
	}
	return group, v, true
}

func (o *Operator) handleAddReceiver(w http.ResponseWriter, r *http.Request) {
	group, v, ok := o.parseReceiver(r)
	if !ok {
		http.Error(w, "bad group or vif", http.StatusBadRequest)
		return
	}
	o.node.loop.PostAndWait(func() { o.node.AddLocalReceiver(group, v.Index) })
	o.respond(w, map[string]string{"status": "ok"})
}

func (o *Operator) handleDelReceiver(w http.ResponseWriter, r *http.Request) {
	group, v, ok := o.parseReceiver(r)
	if !ok {
		http.Error(w, "bad group or vif", http.StatusBadRequest)
		return
	}
	o.node.loop.PostAndWait(func() { o.node.RemoveLocalReceiver(group, v.Index) })
	o.respond(w, map[string]string{"status": "ok"})
}

type sptSwitchRequest struct {
	Enabled        *bool   `json:"enabled,omitempty"`
	ThresholdBytes *uint64 `json:"threshold_bytes,omitempty"`
	IntervalSec    *uint32 `json:"interval_sec,omitempty"`
}

func (o *Operator) handleSPTSwitch(w http.ResponseWriter, r *http.Request) {
	var req sptSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o.node.loop.PostAndWait(func() {
		if req.Enabled != nil {
			o.node.cfg.SPTSwitch.Enabled = *req.Enabled
		}
		if req.ThresholdBytes != nil {
			o.node.cfg.SPTSwitch.ThresholdBytes = *req.ThresholdBytes
		}
		if req.IntervalSec != nil {
			o.node.cfg.SPTSwitch.Interval = time.Duration(*req.IntervalSec) * time.Second
		}
		o.node.mres.enqueueTask(taskSPTSwitchThreshold, taskKey{})
	})
	o.respond(w, map[string]string{"status": "ok"})
}

type timersRequest struct {
	HelloPeriodSec     *uint32 `json:"hello_period_sec,omitempty"`
	JoinPrunePeriodSec *uint32 `json:"join_prune_period_sec,omitempty"`
	AssertTimeSec      *uint32 `json:"assert_time_sec,omitempty"`
	KeepaliveSec       *uint32 `json:"keepalive_sec,omitempty"`
	DRPriority         *uint32 `json:"dr_priority,omitempty"`
	Vif                string  `json:"vif,omitempty"`
}

func (o *Operator) handleTimers(w http.ResponseWriter, r *http.Request) {
	var req timersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o.node.loop.PostAndWait(func() {
		if req.HelloPeriodSec != nil {
			o.node.cfg.HelloPeriod = time.Duration(*req.HelloPeriodSec) * time.Second
		}
		if req.JoinPrunePeriodSec != nil {
			o.node.cfg.JoinPrunePeriod = time.Duration(*req.JoinPrunePeriodSec) * time.Second
		}
		if req.AssertTimeSec != nil {
			o.node.cfg.AssertTime = time.Duration(*req.AssertTimeSec) * time.Second
		}
		if req.KeepaliveSec != nil {
			o.node.cfg.KeepalivePeriod = time.Duration(*req.KeepaliveSec) * time.Second
		}
		if req.DRPriority != nil && req.Vif != "" {
			if v := o.node.vifsByName[req.Vif]; v != nil {
				v.DRPriority = *req.DRPriority
				v.electDR()
			}
		}
	})
	o.respond(w, map[string]string{"status": "ok"})
}

type traceRequest struct {
	Module  string `json:"module"`
	Enabled bool   `json:"enabled"`
}

func (o *Operator) handleTrace(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o.node.loop.PostAndWait(func() {
		modules := o.node.cfg.TraceModules[:0]
		for _, m := range o.node.cfg.TraceModules {
			if m != req.Module {
				modules = append(modules, m)
			}
		}
		if req.Enabled {
			modules = append(modules, req.Module)
		}
		o.node.cfg.TraceModules = modules
	})
	o.respond(w, map[string]string{"status": "ok"})
}

type staticRPRequest struct {
	RP       string `json:"rp"`
	Prefix   string `json:"prefix"`
	Priority uint8  `json:"priority"`
}

func (o *Operator) handleStaticRP(w http.ResponseWriter, r *http.Request) {
	var req staticRPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rp, err := netip.ParseAddr(req.RP)
	if err != nil {
		http.Error(w, "bad rp address", http.StatusBadRequest)
		return
	}
	prefix, err := netip.ParsePrefix(req.Prefix)
	if err != nil {
		http.Error(w, "bad group prefix", http.StatusBadRequest)
		return
	}
	o.node.loop.PostAndWait(func() {
		o.node.rps.AddStaticRP(rp, prefix, req.Priority)
	})
	o.respond(w, map[string]string{"status": "ok"})
}
