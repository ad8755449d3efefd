package platform

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/limits"
	"github.com/adred-codev/realtime/internal/monitoring"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string        `env:"RT_ADDR" envDefault:":3002"`
	MaxConnections int           `env:"RT_MAX_CONNECTIONS" envDefault:"10000"` // 0 sizes from the container memory limit
	NodeID         string        `env:"RT_NODE_ID"`                            // defaults to hostname
	ShutdownGrace  time.Duration `env:"RT_SHUTDOWN_GRACE" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Identity
	JWTSecret           string   `env:"RT_JWT_SECRET"`
	TrustGatewayHeaders bool     `env:"RT_TRUST_GATEWAY_HEADERS" envDefault:"false"`
	ModeratorUserIDs    []string `env:"MODERATOR_USER_IDS" envSeparator:","`

	// Cross-process bus
	BusDriver     string   `env:"BUS_DRIVER" envDefault:"local"` // local, nats, kafka
	NATSURL       string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"realtime"`

	// Remote delivery pool (0 workers = 2 x GOMAXPROCS)
	DeliveryWorkers   int `env:"DELIVERY_WORKERS" envDefault:"0"`
	DeliveryQueueSize int `env:"DELIVERY_QUEUE_SIZE" envDefault:"1024"`

	// Persistent store
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"` // memory, postgres
	DatabaseURL string `env:"DATABASE_URL"`

	// Rate limiting ("event=max/window,...")
	RateLimitsList   string        `env:"RATE_LIMITS"`
	RateLimitSweep   time.Duration `env:"RATE_LIMIT_SWEEP" envDefault:"1m"`
	RateLimitBackend string        `env:"RATE_LIMIT_BACKEND" envDefault:"local"` // local, redis
	RedisAddr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Circuit breakers ("name=threshold/openDuration/successes,...")
	BreakersList string `env:"BREAKERS"`

	// Liveness
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatMissed   int           `env:"HEARTBEAT_MISSED" envDefault:"3"`

	// Grace periods
	RoomGrace            time.Duration `env:"ROOM_GRACE" envDefault:"30s"`
	VoiceGrace           time.Duration `env:"VOICE_GRACE" envDefault:"60s"`
	ScreenShareGrace     time.Duration `env:"SCREENSHARE_GRACE" envDefault:"10s"`
	SuspensionWindow     time.Duration `env:"SUSPENSION_WINDOW" envDefault:"24h"`
	VoiceMaxParticipants int           `env:"VOICE_MAX_PARTICIPANTS" envDefault:"25"`

	// Monitoring
	MetricsInterval    time.Duration `env:"METRICS_INTERVAL" envDefault:"10s"`
	AlertInterval      time.Duration `env:"ALERT_INTERVAL" envDefault:"30s"`
	LeakCheckInterval  time.Duration `env:"LEAK_CHECK_INTERVAL" envDefault:"1m"`
	MetricsHistory     int           `env:"METRICS_HISTORY" envDefault:"360"`
	LeakSamples        int           `env:"LEAK_SAMPLES" envDefault:"12"`
	LeakThresholdMBMin float64       `env:"LEAK_THRESHOLD_MB_PER_MIN" envDefault:"5"`
	LeakFreeOSMemory   bool          `env:"LEAK_FREE_OS_MEMORY" envDefault:"false"`
	AlertRulesList     string        `env:"ALERT_RULES"` // "id:path:cmp:threshold:severity:retrigger,..."
	AlertMinSeverity   string        `env:"ALERT_MIN_SEVERITY" envDefault:"warning"`
	SlackWebhookURL    string        `env:"SLACK_WEBHOOK_URL"`

	// External room service
	RoomServiceURL       string        `env:"ROOM_SERVICE_URL"`
	RoomServiceAPIKey    string        `env:"ROOM_SERVICE_API_KEY" envDefault:"devkey"`
	RoomServiceAPISecret string        `env:"ROOM_SERVICE_API_SECRET" envDefault:"devsecret-change-me"`
	RoomTokenTTL         time.Duration `env:"ROOM_TOKEN_TTL" envDefault:"6h"`

	// Connection admission
	ConnRateIPBurst     int     `env:"CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate      float64 `env:"CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst int     `env:"CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate  float64 `env:"CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Overload brake (0 disables the check)
	MaxGoroutines      int     `env:"RT_MAX_GOROUTINES" envDefault:"0"`
	CPURejectThreshold float64 `env:"RT_CPU_REJECT_THRESHOLD" envDefault:"0"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Parsed from the compact lists above by Validate.
	RateLimits []limits.Rule               `env:"-"`
	Breakers   map[string]breaker.Settings `env:"-"`
	AlertRules []monitoring.AlertRule      `env:"-"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors and parses the compact lists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RT_ADDR is required")
	}
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "node"
		}
		c.NodeID = host
	}

	if c.MaxConnections < 0 {
		return fmt.Errorf("RT_MAX_CONNECTIONS must be >= 0, got %d", c.MaxConnections)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = MaxConnectionsFor(MemoryLimit())
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatMissed < 1 {
		return fmt.Errorf("HEARTBEAT_MISSED must be >= 1, got %d", c.HeartbeatMissed)
	}
	if c.MetricsInterval <= 0 || c.AlertInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL and ALERT_INTERVAL must be > 0")
	}
	if c.MetricsHistory < 1 {
		return fmt.Errorf("METRICS_HISTORY must be >= 1, got %d", c.MetricsHistory)
	}
	if c.LeakSamples < 2 {
		return fmt.Errorf("LEAK_SAMPLES must be >= 2, got %d", c.LeakSamples)
	}
	if c.VoiceMaxParticipants < 0 {
		return fmt.Errorf("VOICE_MAX_PARTICIPANTS must be >= 0, got %d", c.VoiceMaxParticipants)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	switch c.BusDriver {
	case "local", "nats", "kafka":
	default:
		return fmt.Errorf("BUS_DRIVER must be one of: local, nats, kafka (got: %s)", c.BusDriver)
	}
	if c.BusDriver == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when BUS_DRIVER=kafka")
	}

	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of: memory, postgres (got: %s)", c.StoreDriver)
	}

	switch c.RateLimitBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of: local, redis (got: %s)", c.RateLimitBackend)
	}

	if !c.TrustGatewayHeaders && c.JWTSecret == "" {
		return fmt.Errorf("RT_JWT_SECRET is required unless RT_TRUST_GATEWAY_HEADERS=true")
	}

	var err error
	if c.RateLimits, err = ParseRateLimits(c.RateLimitsList); err != nil {
		return err
	}
	if c.Breakers, err = ParseBreakers(c.BreakersList); err != nil {
		return err
	}
	if c.AlertRules, err = ParseAlertRules(c.AlertRulesList); err != nil {
		return err
	}
	return nil
}

// ParseRateLimits parses "message:send=30/60s,typing:start=10/10s".
// Entries override DefaultRules by event name; an empty list returns the defaults.
func ParseRateLimits(list string) ([]limits.Rule, error) {
	byEvent := make(map[string]limits.Rule, len(limits.DefaultRules))
	order := make([]string, 0, len(limits.DefaultRules))
	for _, r := range limits.DefaultRules {
		byEvent[r.Event] = r
		order = append(order, r.Event)
	}

	for _, entry := range splitList(list) {
		event, quota, ok := strings.Cut(entry, "=")
		if !ok || event == "" {
			return nil, fmt.Errorf("RATE_LIMITS entry %q: expected event=max/window", entry)
		}
		maxStr, windowStr, ok := strings.Cut(quota, "/")
		if !ok {
			return nil, fmt.Errorf("RATE_LIMITS entry %q: expected event=max/window", entry)
		}
		var max int
		if _, err := fmt.Sscanf(maxStr, "%d", &max); err != nil || max < 1 {
			return nil, fmt.Errorf("RATE_LIMITS entry %q: max must be a positive integer", entry)
		}
		window, err := time.ParseDuration(windowStr)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("RATE_LIMITS entry %q: invalid window %q", entry, windowStr)
		}
		if _, exists := byEvent[event]; !exists {
			order = append(order, event)
		}
		byEvent[event] = limits.Rule{Event: event, Max: max, Window: window}
	}

	rules := make([]limits.Rule, 0, len(order))
	for _, e := range order {
		rules = append(rules, byEvent[e])
	}
	return rules, nil
}

// ParseBreakers parses "storage=5/60s/3,bus=10/30s/2".
func ParseBreakers(list string) (map[string]breaker.Settings, error) {
	out := make(map[string]breaker.Settings)
	for _, entry := range splitList(list) {
		name, values, ok := strings.Cut(entry, "=")
		parts := strings.Split(values, "/")
		if !ok || name == "" || len(parts) != 3 {
			return nil, fmt.Errorf("BREAKERS entry %q: expected name=threshold/openDuration/successes", entry)
		}

		var s breaker.Settings
		if _, err := fmt.Sscanf(parts[0], "%d", &s.FailureThreshold); err != nil || s.FailureThreshold < 1 {
			return nil, fmt.Errorf("BREAKERS entry %q: threshold must be a positive integer", entry)
		}
		d, err := time.ParseDuration(parts[1])
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("BREAKERS entry %q: invalid open duration %q", entry, parts[1])
		}
		s.OpenDuration = d
		if _, err := fmt.Sscanf(parts[2], "%d", &s.SuccessThreshold); err != nil || s.SuccessThreshold < 1 {
			return nil, fmt.Errorf("BREAKERS entry %q: successes must be a positive integer", entry)
		}
		out[name] = s
	}
	return out, nil
}

// ParseAlertRules parses "id:path:cmp:threshold:severity:retrigger" entries.
// An empty list returns monitoring.DefaultAlertRules. Metric paths may not
// contain ':'.
func ParseAlertRules(list string) ([]monitoring.AlertRule, error) {
	entries := splitList(list)
	if len(entries) == 0 {
		return monitoring.DefaultAlertRules(), nil
	}

	rules := make([]monitoring.AlertRule, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) != 6 {
			return nil, fmt.Errorf("ALERT_RULES entry %q: expected id:path:cmp:threshold:severity:retrigger", entry)
		}

		cmp := monitoring.Comparator(parts[2])
		if !cmp.Valid() {
			return nil, fmt.Errorf("ALERT_RULES entry %q: unknown comparator %q", entry, parts[2])
		}
		var threshold float64
		if _, err := fmt.Sscanf(parts[3], "%g", &threshold); err != nil {
			return nil, fmt.Errorf("ALERT_RULES entry %q: invalid threshold %q", entry, parts[3])
		}
		severity := monitoring.Severity(parts[4])
		if !severity.Valid() {
			return nil, fmt.Errorf("ALERT_RULES entry %q: severity must be info, warning or critical", entry)
		}
		retrigger, err := time.ParseDuration(parts[5])
		if err != nil || retrigger < 0 {
			return nil, fmt.Errorf("ALERT_RULES entry %q: invalid retrigger interval %q", entry, parts[5])
		}

		rules = append(rules, monitoring.AlertRule{
			ID:                   parts[0],
			MetricPath:           parts[1],
			Comparator:           cmp,
			Threshold:            threshold,
			Severity:             severity,
			MinRetriggerInterval: retrigger,
			Enabled:              true,
		})
	}
	return rules, nil
}

func splitList(list string) []string {
	var out []string
	for _, e := range strings.Split(list, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Realtime Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Node:            %s\n", c.NodeID)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Println("\n=== Dependencies ===")
	fmt.Printf("Bus:             %s\n", c.BusDriver)
	fmt.Printf("Store:           %s\n", c.StoreDriver)
	fmt.Printf("Rate Limits:     %s (%d rules)\n", c.RateLimitBackend, len(c.RateLimits))
	fmt.Printf("Room Service:    %s\n", valueOr(c.RoomServiceURL, "static"))
	fmt.Println("\n=== Liveness ===")
	fmt.Printf("Heartbeat:       %s x %d\n", c.HeartbeatInterval, c.HeartbeatMissed)
	fmt.Printf("Grace (room/voice/share): %s / %s / %s\n", c.RoomGrace, c.VoiceGrace, c.ScreenShareGrace)
	fmt.Println("\n=== Monitoring ===")
	fmt.Printf("Metrics:         every %s, %d samples kept\n", c.MetricsInterval, c.MetricsHistory)
	fmt.Printf("Alerts:          every %s, %d rules\n", c.AlertInterval, len(c.AlertRules))
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("==============================")
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("node_id", c.NodeID).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Str("bus_driver", c.BusDriver).
		Str("store_driver", c.StoreDriver).
		Str("rate_limit_backend", c.RateLimitBackend).
		Int("rate_limit_rules", len(c.RateLimits)).
		Int("breaker_overrides", len(c.Breakers)).
		Int("alert_rules", len(c.AlertRules)).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("heartbeat_missed", c.HeartbeatMissed).
		Dur("room_grace", c.RoomGrace).
		Dur("voice_grace", c.VoiceGrace).
		Dur("screenshare_grace", c.ScreenShareGrace).
		Dur("metrics_interval", c.MetricsInterval).
		Dur("alert_interval", c.AlertInterval).
		Bool("trust_gateway_headers", c.TrustGatewayHeaders).
		Bool("room_service_configured", c.RoomServiceURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
