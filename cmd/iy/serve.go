package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/zulandar/intakeyard/internal/config"
	"github.com/zulandar/intakeyard/internal/dashboard"
	"github.com/zulandar/intakeyard/internal/db"
	"github.com/zulandar/intakeyard/internal/feed"
	"github.com/zulandar/intakeyard/internal/identity"
	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/metrics"
	"github.com/zulandar/intakeyard/internal/processor"
	"github.com/zulandar/intakeyard/internal/store"
	"github.com/zulandar/intakeyard/internal/telegraph"
	"github.com/zulandar/intakeyard/internal/telegraph/discord"
	"github.com/zulandar/intakeyard/internal/telegraph/slack"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intake server",
		Long: `Runs the intake server: the HTTP API and live event stream, the
weighbridge feed connection, the event audit trail and, when configured,
chat alerts. Open intakes are resumed on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout(), configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides dashboard.port)")
	return cmd
}

func runServe(ctx context.Context, out io.Writer, configPath string, port int) error {
	cfg, gormDB, err := openDB(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedCards(gormDB, cfg.Cards); err != nil {
		return err
	}
	if port > 0 {
		cfg.Dashboard.Port = port
	}

	st := store.New(gormDB)
	catalog := store.NewCatalog(gormDB)
	bus := messaging.NewBus()
	defer bus.Close()

	deps := processor.Deps{
		Store:   st,
		Catalog: catalog,
		Bus:     bus,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
	}

	var ws *feed.WebSocket
	if cfg.Feed.URL != "" {
		ws, err = feed.NewWebSocket(feed.WebSocketOpts{
			URL:        cfg.Feed.URL,
			MaxBackoff: cfg.Feed.ReconnectMax(),
			Out:        out,
		})
		if err != nil {
			return err
		}
		deps.Feed = ws
	} else {
		fmt.Fprintln(out, "No feed configured; weights must be entered manually")
	}

	var daemon *telegraph.Daemon
	if cfg.Telegraph.Platform != "" {
		notifier, err := newNotifier(cfg.Telegraph)
		if err != nil {
			return err
		}
		daemon, err = telegraph.NewDaemon(telegraph.DaemonOpts{
			Config:     cfg.Telegraph,
			Notifier:   notifier,
			Bus:        bus,
			Summarizer: st,
			Out:        out,
		})
		if err != nil {
			return err
		}
	}

	registry := processor.NewRegistry(st, deps, processorOptions(cfg, out))
	n, err := registry.Resume(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Resumed %d open intakes\n", n)

	g, ctx := errgroup.WithContext(ctx)

	if ws != nil {
		g.Go(func() error { return ws.Run(ctx) })
	}
	g.Go(func() error { return messaging.Persist(ctx, gormDB, bus) })
	g.Go(func() error {
		return dashboard.Start(ctx, dashboard.StartOpts{
			Intakes: registry,
			Records: st,
			Cards:   catalog,
			Bus:     bus,
			DB:      gormDB,
			Port:    cfg.Dashboard.Port,
			Out:     out,
		})
	})

	if daemon != nil {
		g.Go(func() error { return daemon.Run(ctx) })
	}

	err = g.Wait()

	registry.Close()
	if ws != nil {
		ws.Close()
	}
	fmt.Fprintln(out, "Intake server stopped")
	return err
}

func processorOptions(cfg *config.Config, out io.Writer) processor.Options {
	return processor.Options{
		IDPrefix:          cfg.Site,
		Tolerance:         cfg.Weighing.ToleranceDecimal(),
		MaxWeight:         cfg.Weighing.MaxWeightDecimal(),
		Unit:              cfg.Weighing.Unit,
		WeighbridgeDevice: cfg.Feed.WeighbridgeDevice,
		RFIDDevice:        cfg.Feed.RFIDDevice,
		StaleAfter:        cfg.Feed.StaleAfter(),
		Identity: identity.Options{
			BurstGap:    cfg.Identity.BurstGap(),
			Debounce:    cfg.Identity.Debounce(),
			MinLength:   cfg.Identity.MinLength,
			Terminators: cfg.Identity.Terminators,
		},
		Out: out,
	}
}

// newNotifier builds the chat notifier for the configured platform.
func newNotifier(cfg config.TelegraphConfig) (telegraph.Notifier, error) {
	switch cfg.Platform {
	case "slack":
		return slack.New(slack.NotifierOpts{
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.Channel,
		})
	case "discord":
		return discord.New(discord.NotifierOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.Channel,
		})
	default:
		return nil, fmt.Errorf("telegraph: unsupported platform %q", cfg.Platform)
	}
}
