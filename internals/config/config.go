package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Lock     LockConfig
	State    StateConfig
	Cooldown CooldownConfig
	Match    MatchConfig
	Rooms    RoomsConfig
	Alone    AloneConfig
	NATS     NATSConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LockConfig struct {
	TTL         time.Duration
	StaleAfter  time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

type StateConfig struct {
	TxnRetention  time.Duration
	StaleMaxAge   time.Duration
	SweepInterval time.Duration
	HeartbeatTTL  time.Duration
}

type CooldownConfig struct {
	MatchTTL time.Duration
	SkipTTL  time.Duration
}

// MatchConfig controls both pairing tasks. Policy is one of "priority",
// "batch" or "both"; priority is the default.
type MatchConfig struct {
	Policy                string
	Interval              time.Duration
	BatchSize             int
	BackpressureThreshold int
	MaxBatchSize          int
	MaxConcurrentCreates  int64
	MatchTTL              time.Duration
	PriorityOffset        time.Duration
}

type RoomsConfig struct {
	ProviderURL   string
	ProviderToken string
	TelemetryURL  string
	Timeout       time.Duration
	NameTTL       time.Duration
}

type AloneConfig struct {
	Debounce      time.Duration
	CheckInterval time.Duration
	TrackingTTL   time.Duration
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// LoadConfig reads configuration from the environment, loading a local .env
// file first when one is present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("VEIL_HOST", "0.0.0.0"),
			Port:            getEnvInt("VEIL_PORT", 8080),
			ShutdownTimeout: getEnvDuration("VEIL_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Lock: LockConfig{
			TTL:         getEnvDuration("LOCK_TTL", 10*time.Second),
			StaleAfter:  getEnvDuration("LOCK_STALE_AFTER", 8*time.Second),
			MaxRetries:  getEnvInt("LOCK_MAX_RETRIES", 2),
			BackoffBase: getEnvDuration("LOCK_BACKOFF_BASE", 100*time.Millisecond),
		},
		State: StateConfig{
			TxnRetention:  getEnvDuration("TXN_RETENTION", 30*time.Second),
			StaleMaxAge:   getEnvDuration("STATE_STALE_MAX_AGE", 5*time.Minute),
			SweepInterval: getEnvDuration("STATE_SWEEP_INTERVAL", 30*time.Second),
			HeartbeatTTL:  getEnvDuration("HEARTBEAT_TTL", 45*time.Second),
		},
		Cooldown: CooldownConfig{
			MatchTTL: getEnvDuration("COOLDOWN_MATCH_TTL", 30*time.Second),
			SkipTTL:  getEnvDuration("COOLDOWN_SKIP_TTL", 2*time.Minute),
		},
		Match: MatchConfig{
			Policy:                getEnv("MATCH_POLICY", "priority"),
			Interval:              getEnvDuration("MATCH_INTERVAL", time.Second),
			BatchSize:             getEnvInt("MATCH_BATCH_SIZE", 50),
			BackpressureThreshold: getEnvInt("MATCH_BACKPRESSURE_THRESHOLD", 100),
			MaxBatchSize:          getEnvInt("MATCH_MAX_BATCH_SIZE", 200),
			MaxConcurrentCreates:  int64(getEnvInt("MATCH_MAX_CONCURRENT_CREATES", 25)),
			MatchTTL:              getEnvDuration("MATCH_TTL", time.Hour),
			PriorityOffset:        getEnvDuration("MATCH_PRIORITY_OFFSET", 24*time.Hour),
		},
		Rooms: RoomsConfig{
			ProviderURL:   getEnv("ROOM_PROVIDER_URL", ""),
			ProviderToken: getEnv("ROOM_PROVIDER_TOKEN", ""),
			TelemetryURL:  getEnv("ROOM_TELEMETRY_URL", ""),
			Timeout:       getEnvDuration("ROOM_PROVIDER_TIMEOUT", 5*time.Second),
			NameTTL:       getEnvDuration("ROOM_NAME_TTL", time.Hour),
		},
		Alone: AloneConfig{
			Debounce:      getEnvDuration("ALONE_DEBOUNCE", 5*time.Second),
			CheckInterval: getEnvDuration("ALONE_CHECK_INTERVAL", 2*time.Second),
			TrackingTTL:   getEnvDuration("ALONE_TRACKING_TTL", time.Minute),
			SweepInterval: getEnvDuration("ALONE_SWEEP_INTERVAL", 30*time.Second),
			SweepMaxAge:   getEnvDuration("ALONE_SWEEP_MAX_AGE", time.Minute),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "veilcall.transitions"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
