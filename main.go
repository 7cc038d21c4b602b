package main

import (
	"context"
	"errors"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"options-core/internal/api"
	"options-core/internal/broker"
	"options-core/internal/calendar"
	"options-core/internal/events"
	"options-core/internal/feed"
	"options-core/internal/ledger"
	"options-core/internal/lifecycle"
	"options-core/internal/monitor"
	"options-core/internal/notify"
	"options-core/internal/predict"
	"options-core/internal/risk"
	"options-core/internal/signal"
	"options-core/pkg/config"
	"options-core/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	dbPath := cfg.DBPath
	if cfg.PaperTrading && cfg.PaperDBPath != "" {
		dbPath = cfg.PaperDBPath
	}
	log.Printf("starting options core (paper=%v, port=%s, db=%s)", cfg.PaperTrading, cfg.Port, dbPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	defer bus.Close()

	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	instruments, err := config.LoadInstruments(cfg.InstrumentsPath)
	if err != nil {
		log.Fatalf("instruments load failed: %v", err)
	}
	if len(instruments) == 0 {
		log.Fatal("no enabled instruments configured")
	}
	names := make([]string, 0, len(instruments))
	lotSizes := make(map[string]int, len(instruments))
	for _, in := range instruments {
		names = append(names, in.Name)
		lotSizes[in.Name] = in.LotSize
	}
	log.Printf("instrument universe: %v", names)

	// Price feed
	marketFeed := feed.New(feed.Options{
		Dialer:          feed.NewWSDialer(cfg.FeedURL, cfg.FeedAPIKey, cfg.FeedClientCode),
		Bus:             bus,
		Instruments:     instruments,
		MaxReconnects:   cfg.FeedReconnectMax,
		HeartbeatWindow: cfg.FeedHeartbeatWindow,
	})

	// Broker client selection
	var client broker.Client
	marginSync := cfg.MarginSyncInterval
	if cfg.PaperTrading {
		client = &broker.PaperClient{
			SpotPrice: marketFeed.CurrentPrice,
			LotSizes:  lotSizes,
			Margin:    cfg.PaperInitialMargin,
		}
		log.Printf("paper trading enabled, simulated margin %.0f", cfg.PaperInitialMargin)
	} else {
		rest := broker.NewRESTClient(broker.RESTConfig{
			BaseURL:    cfg.BrokerBaseURL,
			APIKey:     cfg.BrokerAPIKey,
			APISecret:  cfg.BrokerAPISecret,
			ClientCode: cfg.BrokerClientCode,
		})
		if err := rest.Authenticate(ctx); err != nil {
			log.Fatalf("broker authentication failed: %v", err)
		}
		client = rest
		log.Printf("broker session established (%s)", cfg.BrokerBaseURL)
	}
	retry := broker.NewRetryClient(client, cfg.BrokerRequestsPerSecond)
	client = retry

	// Margin cache: fixed in paper mode, periodically synced in live mode
	var marginCache *broker.MarginCache
	if cfg.PaperTrading {
		marginCache = broker.NewMarginCache(nil, marginSync)
		marginCache.SetFixed(cfg.PaperInitialMargin)
	} else {
		marginCache = broker.NewMarginCache(client, marginSync)
		marginCache.Start(ctx)
	}

	// Session calendar. Paper mode trades around the clock so simulated
	// strategies can be exercised outside market hours.
	nse := calendar.NewNSEWindow()
	var cal calendar.Calendar = nse
	if cfg.PaperTrading {
		cal = calendar.AlwaysOpen{}
	}

	// Daily ledger seeded from storage
	led := ledger.New(database.Queries(), bus, nse.Location, cfg.LedgerResetHour)
	if err := led.Load(ctx); err != nil {
		log.Fatalf("ledger load failed: %v", err)
	}
	go led.Run(ctx)
	log.Printf("ledger loaded: daily %.2f, weekly %.2f", led.DailyPnL(), led.WeeklyPnL())

	// Metrics
	metrics := monitor.NewSystemMetrics()
	collector := &monitor.Collector{Bus: bus, Metrics: metrics}
	collector.Start(ctx)
	retry.OnCall = metrics.BrokerLatency.RecordDuration

	// Order lifecycle
	manager := lifecycle.NewManager(lifecycle.Options{
		Client:            client,
		Ledger:            led,
		Bus:               bus,
		Store:             database.Queries(),
		Paper:             cfg.PaperTrading,
		TargetPct:         cfg.TargetPct,
		StopLossPct:       cfg.StopLossPct,
		ReconcileInterval: cfg.ReconcileInterval,
		StatusProbeAfter:  cfg.StatusProbeAfter,
		CallTimeout:       cfg.BrokerCallTimeout,
		OnCycle:           metrics.ReconcileLatency.RecordDuration,
	})
	if err := manager.Restore(ctx); err != nil {
		log.Fatalf("order recovery failed: %v", err)
	}
	if n := len(manager.ActiveOrders()); n > 0 {
		log.Printf("recovered %d active orders", n)
	}

	gate := risk.NewGate(risk.Config{
		MaxDailyLoss:       cfg.MaxDailyLoss,
		MaxWeeklyLoss:      cfg.MaxWeeklyLoss,
		MaxActivePositions: cfg.MaxActivePositions,
		MaxCorrelated:      cfg.MaxCorrelated,
		RiskScoreCeiling:   cfg.RiskScoreCeiling,
		MarginRate:         cfg.MarginRate,
		Paper:              cfg.PaperTrading,
	}, led, manager, marginCache, bus)
	manager.SetGate(gate)
	go manager.Run(ctx)

	// Signal engine fed directly from the tick stream
	engine := signal.NewEngine(signal.Config{
		EMAPeriod:           cfg.EMAPeriod,
		RSIPeriod:           cfg.RSIPeriod,
		MomentumWindow:      cfg.MomentumWindow,
		MomentumThreshold:   cfg.MomentumThreshold,
		RSIBullishFloor:     cfg.RSIBullishFloor,
		RSIBullishCeil:      cfg.RSIBullishCeil,
		RSIBearishFloor:     cfg.RSIBearishFloor,
		RSIBearishCeil:      cfg.RSIBearishCeil,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		BufferSize:          cfg.BufferSize,
		Cooldown:            time.Duration(cfg.CooldownMinutes) * time.Minute,
	}, cal, bus, instruments)
	if cfg.PredictURL != "" {
		engine.SetAdvisor(predict.NewClient(cfg.PredictURL, cfg.PredictTimeout))
		log.Printf("main: prediction advisor enabled at %s", cfg.PredictURL)
	}
	marketFeed.Subscribe(engine.OnTick)

	// Signals -> order submission
	signals, unsubSignals := bus.Subscribe(events.EventSignalGenerated, 16)
	defer unsubSignals()
	go func() {
		for msg := range signals {
			sig, ok := msg.(signal.Signal)
			if !ok {
				continue
			}
			if _, err := manager.Submit(ctx, sig); err != nil {
				if errors.Is(err, lifecycle.ErrRiskRejected) {
					log.Printf("signal %s dropped: %v", sig.ID, err)
					continue
				}
				log.Printf("order submission failed for signal %s: %v", sig.ID, err)
				metrics.IncrementErrors()
			}
		}
	}()

	// Notifications
	dispatcher := &notify.Dispatcher{Bus: bus, Sinks: []notify.Sink{notify.LogSink{}}}
	dispatcher.Start(ctx)

	// Connect and consume the feed. A dead feed means stale prices under
	// live orders, so hitting the reconnect ceiling shuts the process down.
	if err := marketFeed.Initialize(ctx); err != nil {
		log.Fatalf("feed initialization failed: %v", err)
	}
	go func() {
		if err := marketFeed.Run(ctx); err != nil {
			log.Fatalf("feed terminated: %v", err)
		}
	}()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	server := api.NewServer(marketFeed, manager, led, metrics, api.SystemMeta{
		Paper:       cfg.PaperTrading,
		Instruments: names,
		Version:     version,
	}, cfg.APIJWTSecret)
	go func() {
		if err := server.Run(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	marketFeed.Disconnect()
}
