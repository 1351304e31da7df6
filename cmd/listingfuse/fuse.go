package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/listingfuse/internal/aggregate"
	"github.com/sawpanic/listingfuse/internal/archive"
	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/dedup"
	"github.com/sawpanic/listingfuse/internal/fusion"
	"github.com/sawpanic/listingfuse/internal/heartbeat"
	"github.com/sawpanic/listingfuse/internal/httpapi"
	"github.com/sawpanic/listingfuse/internal/metrics"
	"github.com/sawpanic/listingfuse/internal/normalize"
	"github.com/sawpanic/listingfuse/internal/scoring"
)

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Run the fusion engine over the raw event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := bus.New(ctx, cfg.Bus)
		if err != nil {
			return err
		}
		defer b.Close()

		promReg := prometheus.NewRegistry()
		reg := metrics.NewRegistry(promReg)

		var sink fusion.Sink
		if cfg.ArchiveDSN != "" {
			store, err := archive.Open(cfg.ArchiveDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			sink = store
		}

		scorer := scoring.New(&cfg.Scoring)
		normalizer := normalize.New(normalize.NewClassifierWithRules(cfg.Scoring.ClassifierPatterns))
		filter := dedup.New(b, cfg.DedupTTL())
		tracker := aggregate.NewTracker(b, scorer, cfg)
		engine := fusion.New(b, cfg, normalizer, filter, tracker, reg, sink, cfg.NodeID+"-fuse")

		hb := heartbeat.New(b, cfg.NodeID, cfg.Version, cfg.HeartbeatTTL(), engine.Stats.Snapshot)
		httpSrv := httpapi.New(cfg.HTTPListen, b, promReg, cfg.NodeID, "fusion")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			hb.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			httpSrv.Run(ctx)
		}()

		log.Info().Str("node_id", cfg.NodeID).Str("bus", cfg.Bus.Endpoint).Msg("starting fusion engine")
		err = engine.Run(ctx)
		wg.Wait()
		return err
	},
}
