package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/openmcast/pimsm/internal/config"
	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/kernel"
	"github.com/openmcast/pimsm/internal/metrics"
	"github.com/openmcast/pimsm/internal/mrib"
	"github.com/openmcast/pimsm/internal/mribfeed"
	"github.com/openmcast/pimsm/internal/pim"
	"github.com/openmcast/pimsm/internal/pimsock"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	ConfigPath  string
	Verbose     bool
	ShowVersion bool
	NetlinkFeed bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	if f.ShowVersion {
		fmt.Printf("pimsmd version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(f.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	cfg := config.Default()
	if f.ConfigPath != "" {
		var err error
		cfg, err = config.Load(f.ConfigPath)
		if err != nil {
			return err
		}
	}

	loop := eventloop.New(&eventloop.Config{
		Logger: log.With("component", "eventloop"),
	})

	mribTable := mrib.New(&mrib.Config{
		Logger: log.With("component", "mrib"),
	})

	// The kernel forwarder here is the in-memory mirror; a production
	// deployment swaps in the platform MFC implementation.
	fwd := kernel.NewMock()

	sock, err := pimsock.New(&pimsock.Config{
		Logger: log.With("component", "pimsock"),
	})
	if err != nil {
		return err
	}
	defer sock.Close()

	node, err := pim.NewNode(&pim.NodeConfig{
		Logger:    log.With("component", "pim"),
		Loop:      loop,
		Config:    cfg,
		Mrib:      mribTable,
		Forwarder: fwd,
		Sender:    sock,
	})
	if err != nil {
		return fmt.Errorf("failed to create pim node: %w", err)
	}

	if err := setupVifs(node, sock, cfg, log); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 4)

	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("event loop error: %w", err)
		}
	}()

	go func() {
		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("pim node error: %w", err)
		}
	}()

	go func() {
		err := sock.ReadLoop(ctx, func(vifIndex uint16, src netip.Addr, data []byte) {
			loop.Post(func() { node.ProcessPacket(vifIndex, src, data) })
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("pim socket error: %w", err)
		}
	}()

	if f.NetlinkFeed {
		feed, err := mribfeed.New(&mribfeed.Config{
			Logger: log.With("component", "mribfeed"),
			Table:  mribTable,
			Resolver: func(ifIndex int) (uint16, bool) {
				// vif indices mirror config order; the resolver maps OS
				// ifindex to vif through the node's registered names.
				return uint16(ifIndex), ifIndex >= 0
			},
			OnCommit: func(touched []netip.Prefix) {
				loop.Post(func() { node.MribChanged(touched) })
			},
		})
		if err != nil {
			return err
		}
		go func() {
			if err := feed.Run(ctx, loop); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mrib feed error: %w", err)
			}
		}()
	}

	operator := pim.NewOperator(node, log.With("component", "operator"))
	go func() {
		if err := operator.Serve(cfg.OperatorListenAddr); err != nil {
			errCh <- fmt.Errorf("operator API error: %w", err)
		}
	}()

	log.Info("pimsmd started", "version", version,
		"operator", cfg.OperatorListenAddr)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	log.Info("shutdown complete")
	return nil
}

// setupVifs registers the configured interfaces with the node and the
// socket, plus the Register pseudo-vif.
func setupVifs(node *pim.Node, sock *pimsock.Conn, cfg *config.Config, log *slog.Logger) error {
	var index uint16
	for _, vc := range cfg.Vifs {
		primary, subnets, err := interfaceAddrs(vc.Name)
		if err != nil {
			return fmt.Errorf("vif %q: %w", vc.Name, err)
		}
		v, err := node.AddVif(index, vc.Name, primary, subnets, vc.MTU)
		if err != nil {
			return err
		}
		if vc.DRPriority > 0 {
			v.DRPriority = vc.DRPriority
		}
		if err := sock.Register(index, vc.Name); err != nil {
			return err
		}
		if vc.Enabled {
			if err := node.EnableVif(vc.Name); err != nil {
				return err
			}
		}
		index++
	}
	return node.AddRegisterVif(index)
}

func interfaceAddrs(name string) (netip.Addr, []netip.Prefix, error) {
	ifi, err := netInterfaceByName(name)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	return ifi.primary, ifi.subnets, nil
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVarP(&f.ConfigPath, "config", "c", "", "Path to YAML config file")
	flag.BoolVarP(&f.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&f.ShowVersion, "version", false, "Show version and exit")
	flag.BoolVar(&f.NetlinkFeed, "netlink-feed", true,
		"Populate the MRIB from kernel routes via netlink")
	flag.Parse()
	return f
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
