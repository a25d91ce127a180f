// Package mribfeed populates the MRIB from the kernel unicast routing
// table via netlink, as an alternative to an external RIB process. Route
// updates are batched into MRIB transactions so the core performs a single
// RPF sweep per batch.
package mribfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/mrib"
)

// kernelAdminDistance is the admin distance assigned to kernel-learned
// routes.
const kernelAdminDistance = 254

// VifResolver maps an OS interface index to a vif index.
type VifResolver func(ifIndex int) (uint16, bool)

// Feed subscribes to kernel route updates and mirrors them into the MRIB.
type Feed struct {
	log     *slog.Logger
	table   *mrib.Table
	resolve VifResolver
	onDone  func(touched []netip.Prefix)

	debounce time.Duration
}

// Config holds configuration for the netlink feed.
type Config struct {
	Logger   *slog.Logger
	Table    *mrib.Table
	Resolver VifResolver

	// OnCommit is called after each committed transaction with the
	// touched prefixes, typically pim.Node.MribChanged posted on the
	// event loop.
	OnCommit func(touched []netip.Prefix)

	// Debounce bounds how long updates accumulate before a commit.
	Debounce time.Duration
}

// New creates a netlink MRIB feed.
func New(cfg *Config) (*Feed, error) {
	if cfg == nil || cfg.Table == nil {
		return nil, fmt.Errorf("mrib table is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("vif resolver is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Feed{
		log:      cfg.Logger,
		table:    cfg.Table,
		resolve:  cfg.Resolver,
		onDone:   cfg.OnCommit,
		debounce: debounce,
	}, nil
}

// Run loads the current routing table, then follows kernel updates until
// ctx is canceled. All table mutations are posted onto loop.
func (f *Feed) Run(ctx context.Context, loop *eventloop.Loop) error {
	if err := f.loadInitial(loop); err != nil {
		return err
	}

	updates := make(chan netlink.RouteUpdate, 256)
	done := make(chan struct{})
	defer close(done)
	if err := netlink.RouteSubscribe(updates, done); err != nil {
		return fmt.Errorf("failed to subscribe to route updates: %w", err)
	}

	var batch []netlink.RouteUpdate
	timer := time.NewTimer(f.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if len(batch) == 0 {
				timer.Reset(f.debounce)
			}
			batch = append(batch, u)
		case <-timer.C:
			f.commitBatch(loop, batch)
			batch = nil
		}
	}
}

func (f *Feed) loadInitial(loop *eventloop.Loop) error {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list routes: %w", err)
	}
	loop.Post(func() {
		for i := range routes {
			f.applyRoute(&routes[i], false)
		}
		touched := f.table.Commit()
		if f.onDone != nil && len(touched) > 0 {
			f.onDone(touched)
		}
	})
	f.log.Info("initial route table loaded", "routes", len(routes))
	return nil
}

func (f *Feed) commitBatch(loop *eventloop.Loop, batch []netlink.RouteUpdate) {
	if len(batch) == 0 {
		return
	}
	loop.Post(func() {
		for i := range batch {
			u := &batch[i]
			f.applyRoute(&u.Route, u.Type == unixRTMDelRoute)
		}
		touched := f.table.Commit()
		if f.onDone != nil && len(touched) > 0 {
			f.onDone(touched)
		}
	})
}

// unixRTMDelRoute is RTM_DELROUTE, kept local to avoid a syscall import.
const unixRTMDelRoute = 25

func (f *Feed) applyRoute(r *netlink.Route, del bool) {
	if r.Dst == nil {
		return
	}
	prefix, ok := prefixFromIPNet(r.Dst.String())
	if !ok {
		return
	}
	if del {
		f.table.DeleteRoute(prefix)
		return
	}
	vif, ok := f.resolve(r.LinkIndex)
	if !ok {
		return
	}
	var nexthop netip.Addr
	if r.Gw != nil {
		nexthop, _ = netip.AddrFromSlice(r.Gw.To4())
	}
	f.table.AddRoute(mrib.Entry{
		Prefix:        prefix,
		NextHop:       nexthop,
		VifIndex:      vif,
		Metric:        uint32(r.Priority),
		AdminDistance: kernelAdminDistance,
	})
}

func prefixFromIPNet(s string) (netip.Prefix, bool) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p.Masked(), true
}
