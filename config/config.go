package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	LogFormat   string
	JWTSecret   string

	UniverseFile string

	DBDriver   string
	SQLitePath string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	MongoURI string
	MongoDB  string

	Live  LiveConfig
	OHLCV OHLCVConfig

	ProviderBaseURL    string
	ProviderTimeout    time.Duration
	ProviderRatePerSec float64

	WSMaxConnPerIP     int
	WSMaxClients       int
	TopMoversLimit     int
	RecentUpdatesLimit int

	APIRatePerSec float64
	APIRateBurst  int

	// TrustedProxies are the only peers whose X-Forwarded-For is honored.
	TrustedProxies []string
}

// LiveConfig drives the periodic quote refresh.
type LiveConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	BatchDelay  time.Duration
	RetryDelay  time.Duration
}

// OHLCVConfig drives the once-a-day historical ingest.
type OHLCVConfig struct {
	Concurrency  int
	LookbackDays int
	SeedDays     int
	Hour         int
	Minute       int
	Timezone     string
	Location     *time.Location
	BatchSize    int
	BatchDelay   time.Duration
	SymbolLimit  int
}

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		UniverseFile: getEnv("UNIVERSE_FILE", "public/yahoo_finance_symbols_with_prices.json"),

		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		SQLitePath: getEnv("SQLITE_PATH", "data/yahoo_finance_data.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "livestock"),
		DBSSLMode:  getEnv("DB_SSLMODE", "require"),

		MongoURI: getEnv("MONGODB_URI", ""),
		MongoDB:  getEnv("MONGODB_DB", "livestock"),

		Live: LiveConfig{
			Interval:    getEnvDuration("LIVE_UPDATE_INTERVAL", 5*time.Minute),
			BatchSize:   getEnvInt("LIVE_BATCH_SIZE", 100),
			Concurrency: getEnvInt("LIVE_FETCH_CONCURRENCY", 100),
			BatchDelay:  getEnvDuration("LIVE_BATCH_DELAY", 20*time.Second),
			RetryDelay:  getEnvDuration("LIVE_RETRY_DELAY", 30*time.Second),
		},
		OHLCV: OHLCVConfig{
			Concurrency:  getEnvInt("OHLCV_FETCH_CONCURRENCY", 100),
			LookbackDays: getEnvInt("OHLCV_LOOKBACK_DAYS", 30),
			SeedDays:     getEnvInt("OHLCV_SEED_DAYS", 30),
			Hour:         getEnvInt("OHLCV_DAILY_HOUR", 22),
			Minute:       getEnvInt("OHLCV_DAILY_MINUTE", 0),
			Timezone:     getEnv("OHLCV_TIMEZONE", "Asia/Kolkata"),
			BatchSize:    getEnvInt("OHLCV_SYMBOL_BATCH_SIZE", 100),
			BatchDelay:   getEnvDuration("OHLCV_DELAY_BETWEEN_BATCHES", 20*time.Second),
			SymbolLimit:  getEnvInt("OHLCV_SYMBOL_LIMIT", 0),
		},

		ProviderBaseURL:    getEnv("PROVIDER_BASE_URL", "https://query1.finance.yahoo.com"),
		ProviderTimeout:    getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		ProviderRatePerSec: getEnvFloat("PROVIDER_RATE_PER_SEC", 20),

		WSMaxConnPerIP:     getEnvInt("WS_MAX_CONN_PER_IP", 20),
		WSMaxClients:       getEnvInt("WS_MAX_CLIENTS", 1000),
		TopMoversLimit:     getEnvInt("TOP_MOVERS_LIMIT", 10),
		RecentUpdatesLimit: getEnvInt("RECENT_UPDATES_LIMIT", 100),

		APIRatePerSec: getEnvFloat("API_RATE_PER_SEC", 20),
		APIRateBurst:  getEnvInt("API_RATE_BURST", 40),

		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the schedulers cannot run with.
func (c *Config) Validate() error {
	if c.OHLCV.Hour < 0 || c.OHLCV.Hour > 23 {
		return fmt.Errorf("OHLCV_DAILY_HOUR out of range: %d", c.OHLCV.Hour)
	}
	if c.OHLCV.Minute < 0 || c.OHLCV.Minute > 59 {
		return fmt.Errorf("OHLCV_DAILY_MINUTE out of range: %d", c.OHLCV.Minute)
	}
	loc, err := time.LoadLocation(c.OHLCV.Timezone)
	if err != nil {
		return fmt.Errorf("invalid OHLCV_TIMEZONE %q: %w", c.OHLCV.Timezone, err)
	}
	c.OHLCV.Location = loc
	if c.Live.Interval <= 0 {
		return fmt.Errorf("LIVE_UPDATE_INTERVAL must be positive")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// NewLogger builds the process logger. JSON output in production or when LOG_FORMAT=json.
func NewLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// InitDB initializes the postgres connection used when DB_DRIVER=postgres.
func InitDB(cfg *Config, log logrus.FieldLogger) (*gorm.DB, error) {
	log.Infof("Connecting to database: host=%s port=%s user=%s dbname=%s",
		maskHost(cfg.DBHost),
		cfg.DBPort,
		cfg.DBUser,
		cfg.DBName,
	)

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)

	logLevel := logger.Info
	if cfg.IsProduction() {
		logLevel = logger.Error
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("Database connection verified successfully")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// getEnvDuration accepts Go durations ("20s") or bare milliseconds ("20000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
