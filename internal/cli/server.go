package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ipoplabs/goIPOPd/internal/config"
	"github.com/ipoplabs/goIPOPd/internal/linkmanager"
	sig "github.com/ipoplabs/goIPOPd/internal/signal"
	"github.com/ipoplabs/goIPOPd/internal/statecache"
	"github.com/ipoplabs/goIPOPd/internal/task"
)

// serverCmd represents the server command (default action)
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the overlay daemon",
	Long: `Start the goIPOPd daemon: the task bus, the link manager core, the
signaling client, and the health monitor timer. Tunnel lifecycle events are
logged as they are published.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server is the default command when none is given.
	rootCmd.RunE = runServer
}

func runServer(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	log.Info("configuration loaded",
		"node", cfg.NodeID[:7], "overlays", len(cfg.Overlays), "path", cfg.Path())

	bus := task.NewBus(cfg.QueueSize, log)
	pub := linkmanager.NewPublisher(log)

	opts := []linkmanager.Option{}
	var cache *statecache.Store
	if cfg.DataDir != "" {
		cache, err = statecache.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer cache.Close()
		opts = append(opts, linkmanager.WithStateCache(cache))
		logRecoveredInventory(cache, log)
	}

	manager := linkmanager.New(cfg, bus, pub, log, opts...)
	bus.Register(manager)

	// The signaling transport is provided by the deployment; until one is
	// attached, remote actions fail back to the core as unreachable.
	client := sig.NewClient(cfg.NodeID, bus, nil, log)
	bus.Register(client)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.TimerInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				manager.TimerTick()
			}
		}
	})
	g.Go(func() error {
		events, cancel := pub.Subscribe(64)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt := <-events:
				log.Info("tunnel event",
					"type", evt.Type.String(),
					"overlay", evt.OverlayID,
					"peer", evt.PeerID,
					"tunnel", evt.TunnelID,
					"tap", evt.TapName)
			}
		}
	})

	log.Info("daemon started", "timer_interval", cfg.TimerInterval().String())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug || verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// logRecoveredInventory reports the tunnels known before the restart so the
// operator can re-establish them.
func logRecoveredInventory(cache *statecache.Store, log *slog.Logger) {
	snaps, err := cache.List("")
	if err != nil {
		log.Warn("state cache inventory read failed", "err", err)
		return
	}
	for _, snap := range snaps {
		log.Info("recovered tunnel record",
			"overlay", snap.OverlayID, "peer", snap.PeerID,
			"tunnel", snap.TunnelID, "state", snap.State)
	}
}
