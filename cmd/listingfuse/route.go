package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/heartbeat"
	"github.com/sawpanic/listingfuse/internal/httpapi"
	"github.com/sawpanic/listingfuse/internal/metrics"
	"github.com/sawpanic/listingfuse/internal/router"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Run the signal router over the fused event stream",
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

		notifier := router.NewNotifier(b, cfg, reg, cfg.NodeID+"-notify")
		rt := router.New(b, cfg, reg, cfg.NodeID+"-route", cfg.NodeID)

		hb := heartbeat.New(b, cfg.NodeID, cfg.Version, cfg.HeartbeatTTL(), func() map[string]any {
			return rt.Stats.Snapshot(notifier)
		})
		httpSrv := httpapi.New(cfg.HTTPListen, b, promReg, cfg.NodeID, "router")

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
		if notifier != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := notifier.Run(ctx); err != nil {
					log.Error().Err(err).Msg("webhook pusher failed")
				}
			}()
		}

		log.Info().Str("node_id", cfg.NodeID).Str("bus", cfg.Bus.Endpoint).Msg("starting signal router")
		err = rt.Run(ctx)
		wg.Wait()
		return err
	},
}
