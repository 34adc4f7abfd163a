package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm-voice/internal/auth"
	"crm-voice/internal/calls"
	"crm-voice/internal/config"
	"crm-voice/internal/feed"
	"crm-voice/internal/httpapi"
	"crm-voice/internal/metrics"
	"crm-voice/internal/reporting"
	"crm-voice/internal/schema"
	"crm-voice/internal/telephony"
	"crm-voice/pkg/logger"
	"crm-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := utils.Migrate(ctx, db, schema.Migrations())
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		return err
	}
	defer rdb.Close()

	bus, err := openFeed(cfg.Feed, rdb, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	emitter := feed.NewEmitter(bus, logger.Component(log, "feed"))
	announcements := calls.NewPGAnnouncementStore(db, emitter)

	provider := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		Region:     cfg.Twilio.Region,
		Edge:       cfg.Twilio.Edge,
		Greeting:   cfg.Twilio.Greeting,
	}, announcements)
	if cfg.Twilio.AccountSID != "" {
		// bridging fails until credentials work; say so early, but keep serving webhooks
		if err := provider.HealthCheck(ctx); err != nil {
			log.Warn("twilio account check failed", "err", err)
		}
	}

	deps := routeDeps{
		cfg:      cfg,
		auth:     authManager,
		provider: provider,
		handlers: httpapi.Handlers{
			Auth:          authManager,
			Provider:      provider,
			Announcements: announcements,
			Metrics:       m,
			Reports:       reporting.NewService(reporting.NewPGRepo(db)),
			Recording:     cfg.Recording,
		},
		metrics:  m,
		registry: reg,
		ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "feed", cfg.Feed.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// openFeed picks the change-feed transport. Redis shares the readiness
// client; MQTT gets its own broker connection.
func openFeed(cfg config.FeedConfig, rdb *redis.Client, log *slog.Logger) (feed.Publisher, error) {
	switch cfg.Transport {
	case "mqtt":
		return feed.NewMQTTBus(feed.MQTTOptions{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
		}, log)
	default:
		return feed.NewRedisBus(rdb), nil
	}
}
