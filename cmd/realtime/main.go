package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/bus"
	"github.com/adred-codev/realtime/internal/fanout"
	"github.com/adred-codev/realtime/internal/handlers"
	"github.com/adred-codev/realtime/internal/limits"
	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/adred-codev/realtime/internal/platform"
	"github.com/adred-codev/realtime/internal/roomservice"
	"github.com/adred-codev/realtime/internal/server"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/store"
	"github.com/adred-codev/realtime/internal/voice"
)

func main() {
	var (
		debug      = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		printOnly  = flag.Bool("print-config", false, "print the resolved configuration and exit")
		humanPrint = flag.Bool("v", false, "print human-readable configuration at startup")
	)
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := platform.LoadConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *printOnly {
		cfg.Print()
		return
	}
	if *humanPrint {
		cfg.Print()
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("node_id", cfg.NodeID).Logger()
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("GOMAXPROCS set via automaxprocs")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *platform.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exporter := monitoring.NewExporter()

	audit := monitoring.NewAuditLogger(logger, monitoring.INFO)
	alerters := []monitoring.Alerter{monitoring.NewConsoleAlerter(os.Stderr)}

	// The hub does not exist yet when breakers are built; transitions
	// observed before it is wired are only logged and counted.
	var hub *fanout.Hub
	clk := clock.New()
	breakers := breaker.NewExecutor(breaker.Config{
		Overrides: cfg.Breakers,
		OnStateChange: func(change breaker.StateChange) {
			exporter.IncBreakerTransition(change.Name, string(change.To))
			audit.Log(monitoring.AuditEvent{
				Level:     auditLevelFor(change.To),
				Timestamp: clk.Now(),
				Event:     "breaker_state_change",
				Message:   "Circuit breaker changed state",
				Metadata: map[string]any{
					"breaker": change.Name,
					"from":    string(change.From),
					"to":      string(change.To),
				},
			})
			if hub != nil && change.To == breaker.StateOpen {
				hub.EmitLocal(handlers.SystemRoom, "breaker:opened", change.Stats)
			}
		},
		Clock:  clk,
		Logger: logger,
	})
	breakers.Register(breaker.Storage, breaker.Bus, breaker.RoomService, breaker.Auth)

	if cfg.SlackWebhookURL != "" {
		breakers.Register(breaker.Delivery)
		slack := monitoring.NewSlackAlerter(cfg.SlackWebhookURL, "", "realtime-"+cfg.NodeID).WithBreakers(breakers)
		alerters = append(alerters, slack)
	}
	notifier := monitoring.NewMultiAlerter(alerters...)
	audit.SetAlerter(notifier)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	limiter, rateLimiter, redisClient, err := openLimiter(cfg, clk, breakers, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	connLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnRateIPBurst,
		IPRate:      cfg.ConnRateIPRate,
		GlobalBurst: cfg.ConnRateGlobalBurst,
		GlobalRate:  cfg.ConnRateGlobalRate,
		OnReject: func(scope string) {
			exporter.IncConnectionRejected("rate_" + scope)
		},
		Clock:  clk,
		Logger: logger,
	})

	registry := session.NewRegistry(session.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedHeartbeats:  cfg.HeartbeatMissed,
		RoomGrace:         cfg.RoomGrace,
		Suspension: session.StoreSuspension{
			Bans:     st,
			Breakers: breakers,
			Window:   cfg.SuspensionWindow,
			Clock:    clk,
		},
		Clock:  clk,
		Logger: logger,
	})
	registry.OnDeregister(func(info session.Info, reason string) {
		exporter.IncDisconnect(reason)
	})

	workers := cfg.DeliveryWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 2
	}
	pool := fanout.NewWorkerPool(workers, cfg.DeliveryQueueSize, logger)
	pool.Start(context.Background())
	defer pool.Stop()

	hub = fanout.NewHub(fanout.Config{
		NodeID:   cfg.NodeID,
		Registry: registry,
		Bus:      b,
		Breakers: breakers,
		Exporter: exporter,
		Pool:     pool,
		Logger:   logger,
	})
	if err := hub.Start(); err != nil {
		return fmt.Errorf("failed to subscribe to bus: %w", err)
	}

	authorizer := auth.NewStaticAuthorizer(cfg.ModeratorUserIDs)
	voiceManager := voice.NewManager(voice.Config{
		MaxParticipants: cfg.VoiceMaxParticipants,
		Grace:           cfg.VoiceGrace,
		ShareGrace:      cfg.ScreenShareGrace,
		Authorizer:      authorizer,
		RoomService:     openRoomService(cfg, clk),
		Breakers:        breakers,
		Fanout:          hub,
		Clock:           clk,
		Logger:          logger,
	})
	registry.OnDeregister(voiceManager.RemoveSession)

	dispatcher, err := handlers.NewDispatcher(handlers.Config{
		Registry:   registry,
		Hub:        hub,
		Voice:      voiceManager,
		Store:      st,
		Breakers:   breakers,
		Limiter:    limiter,
		Authorizer: authorizer,
		Exporter:   exporter,
		Audit:      audit,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build dispatcher: %w", err)
	}

	collector := monitoring.NewCollector(monitoring.CollectorConfig{
		MetricsInterval: cfg.MetricsInterval,
		AlertInterval:   cfg.AlertInterval,
		LeakInterval:    cfg.LeakCheckInterval,
		History:         cfg.MetricsHistory,
		Leak: monitoring.LeakDetector{
			Samples:        cfg.LeakSamples,
			ThresholdMBMin: cfg.LeakThresholdMBMin,
		},
		FreeOSMemory: cfg.LeakFreeOSMemory,
		Rules:        cfg.AlertRules,
		Notifier: monitoring.SeverityFilter{
			Min:  monitoring.Severity(cfg.AlertMinSeverity).AuditLevel(),
			Next: notifier,
		},
		Audit:        audit,
		Exporter:     exporter,
		Broadcast: func(event string, payload any) {
			hub.EmitLocal(handlers.SystemRoom, event, payload)
		},
		Clock:  clk,
		Logger: logger,
	})
	addProbes(collector, cfg, registry, voiceManager, b, breakers, rateLimiter)

	authenticator := auth.NewAuthenticator(nil, cfg.TrustGatewayHeaders)
	if cfg.JWTSecret != "" {
		authenticator = auth.NewAuthenticator(auth.NewJWTVerifier(cfg.JWTSecret, 24*time.Hour, clk), cfg.TrustGatewayHeaders)
	}

	srv := server.New(server.Config{
		Addr:              cfg.Addr,
		MaxConnections:    cfg.MaxConnections,
		ReadTimeout:       cfg.HeartbeatInterval * time.Duration(cfg.HeartbeatMissed),
		ShutdownGrace:     cfg.ShutdownGrace,
		HeartbeatInterval: cfg.HeartbeatInterval,
		NodeID:            cfg.NodeID,
	}, server.Deps{
		Registry:      registry,
		Dispatcher:    dispatcher,
		Authenticator: authenticator,
		ConnLimiter:   connLimiter,
		Breakers:      breakers,
		Bus:           b,
		Hub:           hub,
		Voice:         voiceManager,
		Collector:     collector,
		Exporter:      exporter,
		Audit:         audit,
		Logger:        logger,
		Guard: &limits.ResourceGuard{
			MaxGoroutines:      cfg.MaxGoroutines,
			CPURejectThreshold: cfg.CPURejectThreshold,
			CPU: func() float64 {
				snap, _ := collector.Latest()
				return snap.Process.CPUPercent
			},
		},
	})

	loops, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	go registry.Run(loops)
	go voiceManager.Run(loops, time.Second)
	go connLimiter.Run(loops)
	go collector.Run(loops)
	if rateLimiter != nil {
		go rateLimiter.Run(loops)
	}

	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	cancelLoops()
	audit.Info("server_stopped", "Realtime server stopped", map[string]any{"node_id": cfg.NodeID})
	return err
}

func openStore(ctx context.Context, cfg *platform.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{URL: cfg.DatabaseURL, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return pg, nil
	default:
		logger.Warn().Msg("Using in-memory store, data will not survive a restart")
		return store.NewMemory(), nil
	}
}

func openBus(cfg *platform.Config, logger zerolog.Logger) (bus.Bus, error) {
	switch cfg.BusDriver {
	case "nats":
		n, err := bus.NewNATS(bus.NATSConfig{URL: cfg.NATSURL, Name: "realtime-" + cfg.NodeID, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return n, nil
	case "kafka":
		k, err := bus.NewKafka(bus.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.ConsumerGroup,
			NodeID:        cfg.NodeID,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka bus: %w", err)
		}
		return k, nil
	default:
		return bus.NewLocal(), nil
	}
}

// openLimiter returns the limiter the dispatcher consults and the local
// limiter behind it, which owns sweeping and statistics.
func openLimiter(cfg *platform.Config, clk clock.Clock, breakers *breaker.Executor, logger zerolog.Logger) (limits.Limiter, *limits.RateLimiter, *redis.Client, error) {
	local := limits.NewRateLimiter(limits.RateLimiterConfig{
		Rules:         cfg.RateLimits,
		SweepInterval: cfg.RateLimitSweep,
		Clock:         clk,
		Logger:        logger,
	})
	if cfg.RateLimitBackend != "redis" {
		return local, local, nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable at startup, limits fall back to this process until it recovers")
	}
	breakers.Register(breaker.RateLimit)
	return limits.NewRedisLimiter(client, local, breakers, logger), local, client, nil
}

func openRoomService(cfg *platform.Config, clk clock.Clock) roomservice.Service {
	minter := roomservice.NewTokenMinter(cfg.RoomServiceAPIKey, cfg.RoomServiceAPISecret, cfg.RoomTokenTTL, clk)
	if cfg.RoomServiceURL == "" {
		return roomservice.NewStatic(minter)
	}
	return roomservice.NewHTTPClient(cfg.RoomServiceURL, minter)
}

func addProbes(c *monitoring.Collector, cfg *platform.Config, registry *session.Registry, vm *voice.Manager, b bus.Bus, breakers *breaker.Executor, rl *limits.RateLimiter) {
	c.AddProbe(func(s *monitoring.Snapshot) {
		stats := registry.Stats()
		s.Sessions = monitoring.SessionStats{
			Active:            stats.Active,
			Max:               cfg.MaxConnections,
			Rooms:             stats.Rooms,
			ForcedDisconnects: stats.ForcedDisconnects,
		}
	})
	c.AddProbe(func(s *monitoring.Snapshot) {
		stats := vm.Stats()
		s.Voice = monitoring.VoiceStats{Rooms: stats.Rooms, Participants: stats.Participants, ActiveShares: stats.ActiveShares}
	})
	c.AddProbe(func(s *monitoring.Snapshot) {
		stats := b.Stats()
		s.Bus = monitoring.BusStats{
			Driver:    b.Driver(),
			Connected: b.Connected(),
			Published: stats.Published,
			Received:  stats.Received,
			Errors:    stats.Errors,
		}
	})
	c.AddProbe(func(s *monitoring.Snapshot) {
		summary := monitoring.BreakerSummary{States: make(map[string]string)}
		for _, st := range breakers.Stats() {
			summary.States[st.Name] = string(st.State)
			switch st.State {
			case breaker.StateOpen:
				summary.Open++
			case breaker.StateHalfOpen:
				summary.HalfOpen++
			}
			if st.Name == breaker.Storage {
				s.Storage.Driver = cfg.StoreDriver
				s.Storage.Successes = st.Successes
				s.Storage.Failures = st.Failures
				s.Storage.State = string(st.State)
			}
		}
		s.Breakers = summary
	})
	c.AddProbe(func(s *monitoring.Snapshot) {
		stats := rl.Stats()
		s.RateLimit.Allowed = stats.Allowed
		s.RateLimit.Rejected = stats.Rejected
		s.RateLimit.Buckets = stats.Buckets
	})
}

func auditLevelFor(to breaker.State) monitoring.AuditLevel {
	if to == breaker.StateOpen {
		return monitoring.WARNING
	}
	return monitoring.INFO
}
