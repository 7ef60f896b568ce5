package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerHost string
	ServerPort string

	// Session & lock manager
	MaxParticipants   int
	LockTimeout       time.Duration
	LockSweepInterval time.Duration
	EventHistoryLimit int

	// Realtime transport
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxMessageSize       int
	CompressionThreshold int
	CompressionAlgorithm string
	RateLimitPerSecond   float64
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryTick            time.Duration
	SendBufferSize       int
	// AllowedOrigins lists browser origins allowed to open a WebSocket.
	// Empty keeps the same-origin check; "*" allows any origin.
	AllowedOrigins       []string

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	JaegerEndpoint string

	// Event archive (postgres via gorm)
	ArchiveEnabled   bool
	ArchiveWorkers   int
	ArchiveQueueSize int
	ArchiveRetention int // events kept per ended session, 0 keeps all
	DBHost           string
	DBPort           string
	DBUser           string
	DBPassword       string
	DBName           string
	DBSSLMode        string

	// Presence mirror
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	// External event sink
	NATSURL           string
	NATSSubjectPrefix string

	// Queue in front of the Redis and NATS sinks
	SinkQueueSize int
}

// source resolves a key: environment first, then the optional YAML file
type source struct {
	file map[string]string
}

// Load reads configuration from .env, the YAML file named by CONFIG_FILE
// (if any) and the environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML overlay path. Empty path skips the file.
func LoadFile(path string) (*Config, error) {
	src := &source{file: map[string]string{}}
	if path != "" {
		if err := src.readYAML(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ServerHost: src.getString("SERVER_HOST", "localhost"),
		ServerPort: src.getString("SERVER_PORT", "8080"),

		MaxParticipants:   src.getInt("MAX_PARTICIPANTS", 50),
		LockTimeout:       src.getMillis("LOCK_TIMEOUT_MS", 30000),
		LockSweepInterval: src.getMillis("LOCK_SWEEP_INTERVAL_MS", 5000),
		EventHistoryLimit: src.getInt("EVENT_HISTORY_LIMIT", 1000),

		HeartbeatInterval:    src.getMillis("HEARTBEAT_INTERVAL_MS", 30000),
		HeartbeatTimeout:     src.getMillis("HEARTBEAT_TIMEOUT_MS", 10000),
		MaxMessageSize:       src.getInt("MAX_MESSAGE_SIZE_BYTES", 1048576),
		CompressionThreshold: src.getInt("COMPRESSION_THRESHOLD_BYTES", 1024),
		CompressionAlgorithm: src.getString("COMPRESSION_ALGORITHM", "zstd"),
		RateLimitPerSecond:   src.getFloat("RATE_LIMIT_MSGS_PER_SEC", 100),
		RetryMaxAttempts:     src.getInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:       src.getMillis("RETRY_BASE_DELAY_MS", 1000),
		RetryTick:            src.getMillis("RETRY_TICK_MS", 1000),
		SendBufferSize:       src.getInt("SEND_BUFFER_SIZE", 256),
		AllowedOrigins:       splitList(src.getString("ALLOWED_ORIGINS", "")),

		LogLevel:  src.getString("LOG_LEVEL", "info"),
		LogFormat: src.getString("LOG_FORMAT", "json"),

		JaegerEndpoint: src.getString("JAEGER_ENDPOINT", ""),

		ArchiveEnabled:   src.getBool("ARCHIVE_ENABLED", false),
		ArchiveWorkers:   src.getInt("ARCHIVE_WORKERS", 2),
		ArchiveQueueSize: src.getInt("ARCHIVE_QUEUE_SIZE", 1024),
		ArchiveRetention: src.getInt("ARCHIVE_RETENTION", 0),
		DBHost:           src.getString("DB_HOST", "localhost"),
		DBPort:           src.getString("DB_PORT", "5432"),
		DBUser:           src.getString("DB_USER", "postgres"),
		DBPassword:       src.getString("DB_PASSWORD", "postgres"),
		DBName:           src.getString("DB_NAME", "collab"),
		DBSSLMode:        src.getString("DB_SSLMODE", "disable"),

		RedisAddr:     src.getString("REDIS_ADDR", ""),
		RedisPassword: src.getString("REDIS_PASSWORD", ""),
		RedisDB:       src.getInt("REDIS_DB", 0),
		PresenceTTL:   src.getMillis("PRESENCE_TTL_MS", 120000),

		NATSURL:           src.getString("NATS_URL", ""),
		NATSSubjectPrefix: src.getString("NATS_SUBJECT_PREFIX", "collab"),

		SinkQueueSize: src.getInt("SINK_QUEUE_SIZE", 1024),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the services cannot run with
func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"LOCK_TIMEOUT_MS":        c.LockTimeout,
		"LOCK_SWEEP_INTERVAL_MS": c.LockSweepInterval,
		"HEARTBEAT_INTERVAL_MS":  c.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT_MS":   c.HeartbeatTimeout,
		"RETRY_BASE_DELAY_MS":    c.RetryBaseDelay,
		"RETRY_TICK_MS":          c.RetryTick,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, d)
		}
	}
	if c.MaxParticipants <= 0 {
		return fmt.Errorf("MAX_PARTICIPANTS must be positive, got %d", c.MaxParticipants)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE_BYTES must be positive, got %d", c.MaxMessageSize)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.SinkQueueSize <= 0 {
		return fmt.Errorf("SINK_QUEUE_SIZE must be positive, got %d", c.SinkQueueSize)
	}
	if c.ArchiveRetention < 0 {
		return fmt.Errorf("ARCHIVE_RETENTION must not be negative, got %d", c.ArchiveRetention)
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("RATE_LIMIT_MSGS_PER_SEC must not be negative")
	}
	switch c.CompressionAlgorithm {
	case "zstd", "lz4", "gzip", "none":
	default:
		return fmt.Errorf("COMPRESSION_ALGORITHM %q is not one of zstd, lz4, gzip, none", c.CompressionAlgorithm)
	}
	return nil
}

// splitList parses a comma separated value, dropping empty entries
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// readYAML loads a flat YAML mapping. Keys may be written as the
// environment names or in lower case (max_participants).
func (s *source) readYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for k, v := range values {
		if v == nil {
			continue
		}
		s.file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return nil
}

func (s *source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok && value != ""
}

func (s *source) getString(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s *source) getInt(key string, defaultValue int) int {
	if value, ok := s.lookup(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func (s *source) getFloat(key string, defaultValue float64) float64 {
	if value, ok := s.lookup(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func (s *source) getBool(key string, defaultValue bool) bool {
	if value, ok := s.lookup(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (s *source) getMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(s.getInt(key, defaultMillis)) * time.Millisecond
}
