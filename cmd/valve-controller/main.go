package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/db"
	"github.com/thatsimonsguy/valve-controller/internal/api"
	"github.com/thatsimonsguy/valve-controller/internal/config"
	"github.com/thatsimonsguy/valve-controller/internal/connection"
	"github.com/thatsimonsguy/valve-controller/internal/controllers/controlloop"
	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/env"
	"github.com/thatsimonsguy/valve-controller/internal/history"
	"github.com/thatsimonsguy/valve-controller/internal/logging"
	"github.com/thatsimonsguy/valve-controller/internal/notifications"
	"github.com/thatsimonsguy/valve-controller/internal/predict"
	"github.com/thatsimonsguy/valve-controller/internal/state"
	"github.com/thatsimonsguy/valve-controller/internal/store"
	"github.com/thatsimonsguy/valve-controller/internal/transport"
	"github.com/thatsimonsguy/valve-controller/system/shutdown"
	"github.com/thatsimonsguy/valve-controller/system/startup"
)

var allDays = []int{1, 2, 3, 4, 5, 6, 7}

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogLevel, cfg.LogFile, cfg.LogConsole)

	if cfg.InstallService {
		if err := startup.InstallService(&cfg); err != nil {
			shutdown.ShutdownWithError(err, "Failed to install service")
		}
		return
	}

	log.Info().
		Str("transport", cfg.Transport).
		Str("db", cfg.DBPath).
		Str("topic_prefix", cfg.TopicPrefix).
		Msg("Starting valve controller")

	datadog.InitMetrics()
	notifications.Init()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbConn, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open database")
	}
	if cfg.SeedDefaultSchedules {
		if err := db.SeedDefaultSchedules(ctx, dbConn, allDays); err != nil {
			log.Warn().Err(err).Msg("Failed to seed default schedules")
		}
	}

	topics := state.TopicsFor(&cfg)
	agg := state.NewAggregator(topics)
	monitor := connection.NewMonitor(cfg.HeartbeatTimeout(), datadog.Default)
	monitor.Subscribe(agg.SetConnected)

	link, err := transport.New(&cfg, topics.Topics())
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to create transport")
	}
	link.OnConnectionChange(monitor.HandleState)
	link.OnMessage(func(topic string, payload []byte) {
		monitor.Heartbeat()
		agg.Enqueue(topic, payload)
	})

	sqlStore := store.NewSQLite(dbConn, store.Policy{RejectOverlaps: cfg.RejectOverlappingSchedules})
	schedules := store.NewPublishing(sqlStore, link, cfg.TopicPrefix+state.TopicSchedules)

	loop := controlloop.New(controlloop.SettingsFrom(&cfg), controlloop.Deps{
		Status:    agg,
		Link:      monitor,
		Publisher: link,
		Schedules: schedules,
		Predictor: predict.Load(&cfg),
		Decisions: sqlStore,
		Notifier:  notifications.Default(),
		Metrics:   datadog.Default,
	})

	recorder := history.NewRecorder(dbConn,
		time.Duration(cfg.HistoryMinIntervalSeconds)*time.Second,
		time.Duration(cfg.HistoryRetentionDays)*24*time.Hour,
		datadog.Default)
	agg.Subscribe(recorder.Observe)

	// Resend the schedule list whenever the device link comes back.
	monitor.Subscribe(func(linked bool) {
		if linked {
			go schedules.Sync(ctx)
		}
	})

	go agg.Run(ctx)
	go monitor.Run(ctx)
	go recorder.Run(ctx)

	if err := link.Connect(); err != nil {
		shutdown.ShutdownWithError(err, "Failed to connect transport")
	}

	var session controlloop.Session
	session.Activate(ctx, loop)

	server := api.NewServer(api.Deps{
		Device:     agg,
		Link:       monitor,
		Controller: loop,
		Schedules:  schedules,
		Decisions:  sqlStore,
		History:    recorder,
	})
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			log.Error().Err(err).Msg("REST API server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down valve controller")

	shutdown.Run(context.Background(),
		shutdown.Step{Name: "api", Stop: server.Shutdown},
		shutdown.Step{Name: "controlloop", Stop: func(context.Context) error {
			session.Stop()
			return nil
		}},
		shutdown.Step{Name: "transport", Stop: func(context.Context) error {
			link.Disconnect()
			return nil
		}},
		shutdown.Step{Name: "database", Stop: func(context.Context) error {
			return dbConn.Close()
		}},
		shutdown.Step{Name: "metrics", Stop: func(context.Context) error {
			datadog.Close()
			return nil
		}},
	)
}
