package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/api"
	"github.com/ttc-alerts/incidents/internal/config"
	"github.com/ttc-alerts/incidents/internal/db"
	"github.com/ttc-alerts/incidents/internal/events"
	"github.com/ttc-alerts/incidents/internal/sources"
	"github.com/ttc-alerts/incidents/internal/threading"
	"github.com/ttc-alerts/incidents/internal/verify"
)

func main() {
	// Load base .env first, then .env.local (which overrides for local development)
	envDir := flag.String("env-dir", ".", "directory holding .env and .env.local")
	flag.Parse()
	config.LoadEnvFiles(*envDir)

	cfg := config.Load()
	log := cfg.NewLogger("api")
	if err := cfg.LoadOverrides(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration overrides")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.WithField("driver", cfg.DBDriver).Info("Connecting to database")
	database, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("Failed to ensure database schema")
	}
	log.Info("Database connection established")

	// Live updates: poller events arrive over Kafka and fan out to SSE clients
	broker := events.NewBroker()
	defer broker.Close()
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := events.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, log.WithField("component", "kafka"))
		if err != nil {
			log.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, broker); err != nil {
				log.WithError(err).Error("Kafka consumer stopped")
			}
		}()
		log.WithField("topic", cfg.KafkaTopic).Info("Consuming live updates from Kafka")
	} else {
		log.Warn("KAFKA_BROKERS not set, /api/events only carries changes made by this process")
	}

	// On-demand verification corrects through the same engine the poller uses
	client := &http.Client{Timeout: cfg.SourceTimeout}
	fetchers := []sources.Fetcher{sources.NewLive(cfg.LiveAlertsURL, client, log.WithField("fetcher", "live"), nil)}
	if cfg.RSZURL != "" {
		fetchers = append(fetchers, sources.NewRSZ(cfg.RSZURL, client, log.WithField("fetcher", "rsz"), nil))
	}
	if cfg.GTFSAlertsURL != "" {
		fetchers = append(fetchers, sources.NewGTFSRT(cfg.GTFSAlertsURL, client, log.WithField("fetcher", "gtfsrt"), nil))
	}
	engine := threading.NewEngine(database, log.WithField("component", "threading"),
		threading.WithEvents(broker),
		threading.WithGrace(cfg.Grace),
	)
	verifier := verify.New(database, engine, log.WithField("component", "verify"), nil, broker,
		verify.SourceTargets(fetchers, func(target string) (bool, *bool) {
			o := cfg.Verifier(target)
			return o.Disabled, o.ResolveStale
		})...,
	)

	router := api.NewRouter(
		api.NewIncidentHandler(database),
		api.NewOpsHandler(database, database, verifier, database, log.WithField("component", "api")),
		api.NewEventsHandler(broker, log.WithField("component", "sse")),
		cfg.CORSOrigins,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"port":    cfg.Port,
		"targets": verifier.Targets(),
		"origins": cfg.CORSOrigins,
	}).Info("API server starting")
	log.Info("Endpoints:")
	log.Info("  GET /health (with database check)")
	log.Info("  GET /api/threads, /api/threads/{threadID}, /api/alerts")
	log.Info("  GET /api/maintenance, /api/accuracy, /api/verify/{target}, /api/events")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")
	// SSE streams only end when their clients go away or the broker closes
	broker.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown timed out")
	}
	log.Info("Goodbye!")
}
