package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/accuracy"
	"github.com/ttc-alerts/incidents/internal/config"
	"github.com/ttc-alerts/incidents/internal/db"
	"github.com/ttc-alerts/incidents/internal/events"
	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/sources"
	"github.com/ttc-alerts/incidents/internal/threading"
	"github.com/ttc-alerts/incidents/internal/verify"
)

func main() {
	once := flag.Bool("once", false, "run a single poll pass (with verification and maintenance) and exit")
	envDir := flag.String("env-dir", ".", "directory holding .env and .env.local")
	flag.Parse()

	config.LoadEnvFiles(*envDir)
	cfg := config.Load()
	log := cfg.NewLogger("poller")

	if err := cfg.LoadOverrides(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration overrides")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.WithFields(logrus.Fields{
		"db_driver":       cfg.DBDriver,
		"poll_interval":   cfg.PollInterval,
		"verify_interval": cfg.VerifyInterval,
		"retention":       cfg.RetentionDuration,
		"grace_polls":     cfg.GracePolls,
		"grace_windows":   len(cfg.Overrides.GraceWindows),
	}).Info("Config loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Initialize Database
	// ═══════════════════════════════════════════════════════
	database, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("Failed to ensure database schema")
	}
	log.Info("Database initialized")

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Metrics and live-update publishing
	// ═══════════════════════════════════════════════════════
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = metrics.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, run counters will only be logged")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}
	collector := metrics.NewCollector("poller", redisClient, log)
	collector.SetReportInterval(cfg.MetricsInterval)
	collector.Start(ctx)
	defer collector.Stop()

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.WithError(err).Fatal("Failed to create Kafka publisher")
		}
		defer kafka.Close()
		publisher = kafka
		log.WithField("topic", cfg.KafkaTopic).Info("Publishing live updates to Kafka")
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Sources, engine, verifier, monitor
	// ═══════════════════════════════════════════════════════
	client := &http.Client{Timeout: cfg.SourceTimeout}
	fetchers := []sources.Fetcher{
		sources.NewLive(cfg.LiveAlertsURL, client, log.WithField("fetcher", "live"), collector),
	}
	if cfg.RSZURL != "" {
		fetchers = append(fetchers, sources.NewRSZ(cfg.RSZURL, client, log.WithField("fetcher", "rsz"), collector))
	}
	if cfg.GTFSAlertsURL != "" {
		fetchers = append(fetchers, sources.NewGTFSRT(cfg.GTFSAlertsURL, client, log.WithField("fetcher", "gtfsrt"), collector))
	}

	engine := threading.NewEngine(database, log.WithField("component", "threading"),
		threading.WithMetrics(collector),
		threading.WithEvents(publisher),
		threading.WithGrace(cfg.Grace),
	)
	verifier := verify.New(database, engine, log.WithField("component", "verify"), collector, publisher,
		verify.SourceTargets(fetchers, func(target string) (bool, *bool) {
			o := cfg.Verifier(target)
			return o.Disabled, o.ResolveStale
		})...,
	)

	p := &poller{
		cfg:      cfg,
		db:       database,
		log:      log,
		events:   publisher,
		fetchers: fetchers,
		engine:   engine,
		verifier: verifier,
		monitor:  accuracy.NewMonitor(database, log.WithField("component", "accuracy")),
	}
	if cfg.MaintenanceURL != "" && len(cfg.MaintenanceRoutes) > 0 {
		p.maintenance = sources.NewMaintenance(cfg.MaintenanceURL, cfg.CourtesyDelay, cfg.Location(), client,
			log.WithField("fetcher", "maintenance"), collector)
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Polling loops
	// ═══════════════════════════════════════════════════════
	log.Info("Running initial poll...")
	p.pollOnce(ctx)
	if *once {
		p.verifyAll(ctx)
		p.scrapeMaintenance(ctx)
		p.cleanup(ctx)
		log.Info("Single pass complete")
		return
	}

	p.scrapeMaintenance(ctx)
	go p.loop(ctx, cfg.PollInterval, "poll", p.pollOnce)
	go p.loop(ctx, cfg.VerifyInterval, "verify", p.verifyAll)
	go p.loop(ctx, cfg.MaintenanceInterval, "maintenance", p.scrapeMaintenance)
	go p.loop(ctx, time.Hour, "cleanup", p.cleanup)

	log.WithFields(logrus.Fields{
		"fetchers": len(fetchers),
		"targets":  verifier.Targets(),
	}).Infof("Poller running (poll every %v, retain %v)", cfg.PollInterval, cfg.RetentionDuration)

	// ═══════════════════════════════════════════════════════
	// PHASE 5: Graceful Shutdown
	// ═══════════════════════════════════════════════════════
	<-ctx.Done()
	log.Info("Shutting down...")

	// Give goroutines time to finish
	time.Sleep(100 * time.Millisecond)
	log.Info("Goodbye!")
}
