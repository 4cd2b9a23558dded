package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	// StoreDriver selects the durable store: "sqlite" or "postgres".
	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	// RedisURL, when set, moves presence records to Redis.
	RedisURL    string
	PresenceTTL time.Duration

	// KafkaBrokers, when set, relays change notifications between nodes.
	KafkaBrokers []string
	KafkaTopic   string
	NodeID       string

	JWTSecret  string
	EncryptKey string

	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	HeartbeatInterval    time.Duration
	StaleFactor          float64
	PresenceWriteTimeout time.Duration

	MaxContentLength int
	PreviewLength    int
	ThreadWindow     int
	HistoryPageMax   int

	SendRPS   float64
	SendBurst int
}

// fileConfig is the optional YAML file layout. Environment variables win
// over anything set here.
type fileConfig struct {
	App struct {
		Name string `yaml:"name"`
		Env  string `yaml:"env"`
	} `yaml:"app"`
	HTTP struct {
		Host        string   `yaml:"host"`
		Port        int      `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`
	Store struct {
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"store"`
	Presence struct {
		HeartbeatInterval string  `yaml:"heartbeat_interval"`
		StaleFactor       float64 `yaml:"stale_factor"`
		RedisURL          string  `yaml:"redis_url"`
	} `yaml:"presence"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads configuration from .env, an optional YAML file named by
// CONFIG_FILE and the process environment, in increasing priority.
func Load() (*Config, error) {
	_ = godotenv.Load()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(path); err != nil {
			return nil, err
		}
	}

	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "neorent")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}

	cfg := &Config{
		AppName: getEnv("APP_NAME", "NeoRent Realtime"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:  getEnv("SQLITE_PATH", "neorent.db"),
		DatabaseURL: getEnv("DATABASE_URL", u.String()),

		RedisURL:    os.Getenv("REDIS_URL"),
		PresenceTTL: getEnvAsDuration("PRESENCE_TTL", 10*time.Minute),

		KafkaBrokers: getEnvAsList("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "realtime-changes"),
		NodeID:       getEnv("NODE_ID", hostname()),

		JWTSecret:  os.Getenv("JWT_SECRET"),
		EncryptKey: os.Getenv("ENCRYPTION_KEY"),

		CORSOrigins: getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),

		HeartbeatInterval:    getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		StaleFactor:          getEnvAsFloat("STALE_FACTOR", 2),
		PresenceWriteTimeout: getEnvAsDuration("PRESENCE_WRITE_TIMEOUT", 5*time.Second),

		MaxContentLength: getEnvAsInt("MAX_CONTENT_LENGTH", 5000),
		PreviewLength:    getEnvAsInt("PREVIEW_LENGTH", 100),
		ThreadWindow:     getEnvAsInt("THREAD_WINDOW", 50),
		HistoryPageMax:   getEnvAsInt("HISTORY_PAGE_MAX", 200),

		SendRPS:   getEnvAsFloat("SEND_RPS", 5),
		SendBurst: getEnvAsInt("SEND_BURST", 20),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.StaleFactor < 1 {
		return fmt.Errorf("STALE_FACTOR must be at least 1")
	}
	if c.PreviewLength <= 0 || c.ThreadWindow <= 0 || c.HistoryPageMax <= 0 {
		return fmt.Errorf("PREVIEW_LENGTH, THREAD_WINDOW and HISTORY_PAGE_MAX must be positive")
	}
	if c.HistoryPageMax < c.ThreadWindow {
		return fmt.Errorf("HISTORY_PAGE_MAX (%d) must not be below THREAD_WINDOW (%d)", c.HistoryPageMax, c.ThreadWindow)
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StaleThreshold is how old a presence record may get before it stops
// counting as online.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.StaleFactor)
}

// applyFile exports YAML values as environment defaults so the regular
// env lookups below pick them up unless the variable is already set.
func applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	defaults := map[string]string{
		"APP_NAME":           fc.App.Name,
		"APP_ENV":            fc.App.Env,
		"HTTP_HOST":          fc.HTTP.Host,
		"CORS_ORIGINS":       strings.Join(fc.HTTP.CORSOrigins, ","),
		"STORE_DRIVER":       fc.Store.Driver,
		"SQLITE_PATH":        fc.Store.SQLitePath,
		"HEARTBEAT_INTERVAL": fc.Presence.HeartbeatInterval,
		"REDIS_URL":          fc.Presence.RedisURL,
		"KAFKA_BROKERS":      strings.Join(fc.Kafka.Brokers, ","),
		"KAFKA_TOPIC":        fc.Kafka.Topic,
		"LOG_LEVEL":          fc.Logging.Level,
		"LOG_FORMAT":         fc.Logging.Format,
	}
	if fc.HTTP.Port != 0 {
		defaults["HTTP_PORT"] = strconv.Itoa(fc.HTTP.Port)
	}
	if fc.Presence.StaleFactor != 0 {
		defaults["STALE_FACTOR"] = strconv.FormatFloat(fc.Presence.StaleFactor, 'f', -1, 64)
	}

	for k, v := range defaults {
		if v == "" {
			continue
		}
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("apply %s: %w", k, err)
		}
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node-1"
	}
	return h
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
