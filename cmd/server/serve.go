package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"infinite-experiment/warden/internal/api"
	"infinite-experiment/warden/internal/bot"
	"infinite-experiment/warden/internal/common"
	"infinite-experiment/warden/internal/config"
	"infinite-experiment/warden/internal/db"
	"infinite-experiment/warden/internal/guard"
	"infinite-experiment/warden/internal/jobs"
	"infinite-experiment/warden/internal/logging"
	"infinite-experiment/warden/internal/metrics"
	"infinite-experiment/warden/internal/platform"
	"infinite-experiment/warden/internal/routes"
	"infinite-experiment/warden/internal/services"
	"infinite-experiment/warden/internal/uow"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the platform and run the bot, the schedulers and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	if cfg.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required to serve")
	}
	if cfg.AdminJWTSecret == "" {
		logging.Warn("ADMIN_JWT_SECRET is empty; every /api/v1 request will be rejected")
	}

	upSince := time.Now()
	logging.Info("Warden starting up",
		"environment", cfg.AppEnv,
		"db_driver", cfg.DBDriver,
		"cache_backend", cfg.CacheBackend,
	)

	gdb, err := db.Open(cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}
	checks := map[string]api.Check{}
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pg, err := db.InitPostgres(cfg.PostgresDSN())
		if err != nil {
			return err
		}
		defer pg.Close()
		checks["postgres"] = pg.PingContext
	default:
		sqlDB, err := gdb.DB()
		if err != nil {
			return fmt.Errorf("failed to access sqlite pool: %w", err)
		}
		defer sqlDB.Close()
		checks["sqlite"] = sqlDB.PingContext
	}

	cache, err := common.NewCache(cfg)
	if err != nil {
		return err
	}
	defer cache.Close()
	if pinger, ok := cache.(db.Pinger); ok {
		checks["redis"] = pinger.PingContext
	}

	m := metrics.NewMetricsRegistry()
	configCache := common.NewGuildConfigCache(cache, cfg.CacheTTL, m)

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	p := platform.NewDiscordPlatform(session)

	registry := uow.NewRegistry(gdb, m)
	locks := guard.NewLockTable(m)
	limiter := rate.NewLimiter(rate.Limit(cfg.PlatformCallsPerSec), 1)

	muteSvc := services.NewMuteService(p, locks, configCache, cfg.MutePollInterval, logging.Named("mute"))
	verifySvc := services.NewVerificationService(configCache, limiter)

	dispatcher := bot.NewDispatcher(registry, locks, p, m)
	router := bot.NewRouter(cfg.CommandPrefix, dispatcher)
	router.Register(muteSvc.Commands()...)
	router.Register(verifySvc.Commands()...)

	events := bot.NewEvents(dispatcher, router, muteSvc, verifySvc)
	events.Bind(ctx, session)
	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	defer session.Close()
	logging.Info("Connected to Discord gateway")

	g, gctx := errgroup.WithContext(ctx)

	scheduled := jobs.InitializeJobs(cfg, registry, p, locks, limiter, m)
	scheduled.Start(gctx, g, events.ReadySignal())

	deps := &api.Dependencies{
		Registry: registry,
		Jobs:     scheduled,
		Checks:   checks,
		UpSince:  upSince,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes.RegisterRoutes(cfg, deps, m, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logging.Info("Server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("HTTP server did not shut down cleanly", "error", err)
		}
		if err := muteSvc.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Pending short mutes were not all lifted", "error", err)
		}
		return nil
	})

	return g.Wait()
}
