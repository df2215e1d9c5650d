// Command ragp runs the activation-spreading graph engine: it opens the
// persistent store, registry and cache, starts the sharded actor runtime and
// the consolidation daemon, and serves the HTTP status/control API (plus an
// optional MCP tool surface) until an interrupt or termination signal.
// Grounded on cmd/qubicdb/main.go's startup/shutdown sequence.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ragp/engine/pkg/api"
	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/config"
	"github.com/ragp/engine/pkg/consolidate"
	"github.com/ragp/engine/pkg/daemon"
	"github.com/ragp/engine/pkg/deltalog"
	"github.com/ragp/engine/pkg/engine"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/kernel"
	"github.com/ragp/engine/pkg/metrics"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/shard"
	"github.com/ragp/engine/pkg/storebase"
)

func main() {
	var cliOverrides config.CLIOverrides
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ragp",
		Short: "RAGP - a persistent activation-spreading associative memory graph engine",
		Long:  "A persistent graph of sensor/context/action/internal nodes linked by weighted synapses, with Hebbian reinforcement, sharded async activation spreading, and periodic consolidation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), configPath, &cliOverrides)
		},
		SilenceUsage: true,
	}

	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "f", "", "Path to YAML config file (overrides RAGP_CONFIG env)")
	cliOverrides.HTTPAddr = f.String("http-addr", "", "HTTP listen address")
	cliOverrides.DataPath = f.String("data-path", "", "Data directory for chunk/delta/registry files")
	cliOverrides.Async = f.Bool("async", false, "Enable the sharded async runtime")
	cliOverrides.ShardCount = f.Int("shard-count", 0, "Number of shard actors")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, configFlag string, overrides *config.CLIOverrides) error {
	printBanner()

	path := configFlag
	if path == "" {
		path = os.Getenv("RAGP_CONFIG")
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyExplicitFlags(flags, overrides)
	config.ApplyCLIOverrides(cfg, *overrides)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Printf("Data path: %s", cfg.Storage.DataPath)
	log.Printf("HTTP: %s", cfg.Server.HTTPAddr)

	if cfg.Storage.ResetOnBoot {
		if err := os.RemoveAll(cfg.Storage.DataPath); err != nil {
			return fmt.Errorf("resetting data path: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return fmt.Errorf("creating data path: %w", err)
	}

	store, err := storebase.Open(cfg.Storage.DataPath, cfg.Storage.ChunkSize, nil)
	if err != nil {
		return fmt.Errorf("failed to open base store: %w", err)
	}
	log.Println("C1 chunked base store opened")

	delta, err := deltalog.Open(cfg.Storage.DataPath, nil)
	if err != nil {
		return fmt.Errorf("failed to open delta log: %w", err)
	}
	log.Println("C2 delta log opened")

	reg, err := registry.Open(cfg.Storage.DataPath)
	if err != nil {
		return fmt.Errorf("failed to open innate registry: %w", err)
	}
	log.Printf("C3 innate registry opened (%d nodes, version %d)", reg.Count(), reg.Version())

	budget := cache.ComputeBudget(
		cfg.Cache.RAMMaxMB<<20, cfg.Cache.RAMFraction, cfg.Cache.RAMMinMB<<20, cfg.Cache.RAMMaxMB<<20, cfg.Cache.PinFraction,
	)
	c := cache.New(budget, cfg.Cache.PinHighWaterAccesses)
	log.Printf("C4 hybrid cache sized (budget=%d bytes, pin high-water=%d)", budget.TotalBytes, cfg.Cache.PinHighWaterAccesses)

	gv := graphview.New(store, delta, c, reg)
	log.Println("C5 graph view composed")

	rt, err := shard.NewRuntime(shard.Config{
		ShardCount: cfg.Runtime.ShardCount,
		HighWater:  cfg.Runtime.HighWater,
		LowWater:   cfg.Runtime.LowWater,
		Kernel:     kernelConfigFrom(cfg.Kernel),
	}, gv, delta, c, nil)
	if err != nil {
		return fmt.Errorf("failed to build shard runtime: %w", err)
	}
	log.Printf("C6/C7 kernel + shard runtime built (%d shards)", cfg.Runtime.ShardCount)

	if cfg.Runtime.Async {
		rt.Start()
		log.Println("async runtime started")
	}

	coord := consolidate.New(store, delta, c, gv, rt, reg, float32(cfg.Consolidate.MinWeight), nil)
	log.Println("C8 consolidation coordinator built")

	consolidateDaemon := daemon.NewManager(coord, cfg.Consolidate.Interval, nil)
	consolidateDaemon.Start()

	view := engine.NewView(gv, rt.Kernels())
	eng := engine.New(cfg, rt, view, coord, reg, store, c, nil)

	promReg := prometheus.NewRegistry()
	collectors, err := metrics.NewCollectors(promReg)
	if err != nil {
		return fmt.Errorf("failed to build prometheus collectors: %w", err)
	}
	log.Println("C9 status/metrics collectors registered")

	httpServer := api.NewServer(cfg.Server.HTTPAddr, cfg, api.Deps{
		Engine:     eng,
		View:       view,
		Registry:   reg,
		Collectors: collectors,
		Gatherer:   promReg,
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Println("RAGP is ready!")
	log.Println("--------------------------------------------")

	waitForShutdown(ctx, cancel)

	log.Println("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	consolidateDaemon.Stop()
	if cfg.Runtime.Async {
		rt.Stop()
	}

	log.Println("RAGP shutdown complete")
	return nil
}

func kernelConfigFrom(kc config.KernelConfig) kernel.Config {
	return kernel.Config{
		DecayGamma:        kc.DecayGamma,
		DecayEpsilon:      kc.DecayEpsilon,
		WindowSize:        kc.WindowSize,
		HebbianEta:        kc.HebbianEta,
		HebbianThreshold:  kc.HebbianThreshold,
		HebbianBaseWeight: float32(kc.HebbianBaseWeight),
		HopTTLDefault:     kc.HopTTLDefault,
		ReSpreadThreshold: kc.ReSpreadThreshold,
	}
}

// applyExplicitFlags drops any override whose flag was never actually set by
// the user, so a YAML/env value is never stomped by a pflag zero value.
func applyExplicitFlags(flags *pflag.FlagSet, o *config.CLIOverrides) {
	if !flags.Changed("http-addr") {
		o.HTTPAddr = nil
	}
	if !flags.Changed("data-path") {
		o.DataPath = nil
	}
	if !flags.Changed("async") {
		o.Async = nil
	}
	if !flags.Changed("shard-count") {
		o.ShardCount = nil
	}
}

// waitForShutdown blocks until an OS interrupt or termination signal is
// received, then cancels ctx to initiate graceful shutdown.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal %v, initiating shutdown...", sig)
		cancel()
	case <-ctx.Done():
	}
}

func printBanner() {
	banner := `
 ____      _    ____ ____
|  _ \    / \  / ___|  _ \
| |_) |  / _ \| |  _| |_) |
|  _ <  / ___ \ |_| |  __/
|_| \_\/_/   \_\____|_|

  persistent activation-spreading graph engine
  ──────────────────────────────────────────────
`
	fmt.Print(banner)
}
