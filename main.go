package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"copy-core/internal/api"
	"copy-core/internal/automation"
	"copy-core/internal/events"
	"copy-core/internal/monitor"
	"copy-core/internal/notify"
	"copy-core/internal/streaming"
	"copy-core/internal/telemetry"
	"copy-core/pkg/config"
	"copy-core/pkg/db"
	"copy-core/pkg/retry"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("copy-core %s starting on :%s (automation=%v)", buildVersion, cfg.Port, cfg.AutomationEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	store := db.NewStore(database, db.DefaultSettings())

	// Automation defaults and seeded accounts from YAML, when present.
	if cfg.RulesConfigPath != "" {
		rules, err := automation.LoadRulesFile(cfg.RulesConfigPath)
		switch {
		case os.IsNotExist(err):
			log.Printf("no rules file at %s, using shipped defaults", cfg.RulesConfigPath)
		case err != nil:
			log.Fatalf("load rules file: %v", err)
		default:
			if err := automation.SyncRulesToStore(ctx, store, rules); err != nil {
				log.Fatalf("sync rules: %v", err)
			}
			log.Printf("rules loaded from %s (%d seeded accounts)", cfg.RulesConfigPath, len(rules.Accounts))
		}
	}

	// Venue access
	tele := telemetry.New(telemetry.Config{
		BaseURL:   cfg.VenueBaseURL,
		APIToken:  cfg.VenueAPIToken,
		Timeout:   cfg.TelemetryTimeout,
		RateLimit: cfg.TelemetryRateLimit,
		Burst:     cfg.TelemetryBurst,
	})

	stream := streaming.NewManager(streaming.Config{
		WSURL:                cfg.VenueWSURL,
		APIToken:             cfg.VenueAPIToken,
		AccountID:            cfg.MasterAccountID,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		CircuitCooldown:      cfg.CircuitCooldown,
		HealthWindow:         cfg.StreamHealthWindow,
		Backoff:              retry.DefaultBackoff(),
	}, store, bus)
	tele.SetLiveSource(stream)

	if cfg.MasterAccountID != "" {
		if err := stream.Start(ctx); err != nil {
			log.Printf("streaming start: %v", err)
		}
	} else {
		log.Println("no master account configured, streaming stays offline")
	}
	defer stream.Stop()

	// Notifications
	var sink notify.Sink = notify.LogSink{}
	if cfg.NotifyWebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
		log.Println("webhook notifications enabled")
	}

	monitor.NewTradeAlertWatcher(store, bus, sink).Start(ctx)

	orchestrator := automation.New(automation.Config{
		Enabled:           cfg.AutomationEnabled,
		BatchSize:         cfg.BatchSize,
		RunBudget:         cfg.RunBudget,
		RebalanceCooldown: cfg.RebalanceCooldown,
	}, store, tele, sink, bus)

	// API
	server := api.NewServer(store, orchestrator, stream, tele, api.SystemMeta{
		AutomationEnabled: cfg.AutomationEnabled,
		MasterAccountID:   cfg.MasterAccountID,
		Version:           buildVersion,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
