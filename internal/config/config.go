package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladimiradmaev/health-importer/internal/logger"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCommitEvery = 500

	DuplicatePolicyAppend = "append"
	DuplicatePolicySkip   = "skip"
)

type Config struct {
	DB       DBConfig       `yaml:"db"`
	Import   ImportConfig   `yaml:"import"`
	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
	Logger   LoggerConfig   `yaml:"logger"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DBConfig is the destination connection descriptor. The pipeline never sources
// credentials on its own; whatever is here was supplied by the caller.
type DBConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	DBName         string        `yaml:"name"`
	SSLMode        string        `yaml:"sslmode"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DSN renders the descriptor as a postgres:// URL. Every component is
// escaped, so empty or space-bearing passwords cannot shift the other keys.
func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	if c.ConnectTimeout > 0 {
		// libpq reads 0 as "no timeout", so sub-second values round up.
		query.Set("connect_timeout", strconv.Itoa(int(math.Ceil(c.ConnectTimeout.Seconds()))))
	}

	host := c.Host
	if c.Port != "" {
		host = net.JoinHostPort(c.Host, c.Port)
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     host,
		Path:     "/" + c.DBName,
		RawQuery: query.Encode(),
	}
	switch {
	case c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	return u.String()
}

type ImportConfig struct {
	CommitEvery     int    `yaml:"commit_every"`
	DuplicatePolicy string `yaml:"duplicate_policy"`
	StrictIntegers  bool   `yaml:"strict_integers"`
	UploadDir       string `yaml:"upload_dir"`
}

// RedisConfig is optional; an empty Host keeps run state in process memory.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     string        `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func (c TelegramConfig) Enabled() bool {
	return c.Token != "" && c.ChatID != 0
}

type LoggerConfig struct {
	Level      logger.LogLevel `yaml:"-"`
	LevelName  string          `yaml:"level"`
	OutputPath string          `yaml:"output"`
	Format     string          `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.LevelDebug
	case "info":
		return logger.LevelInfo
	case "warn", "warning":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	chatID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)

	cfg := &Config{
		DB: DBConfig{
			Host:           getEnvOrDefault("DB_HOST", "localhost"),
			Port:           getEnvOrDefault("DB_PORT", "5432"),
			User:           getEnvOrDefault("DB_USER", "postgres"),
			Password:       os.Getenv("DB_PASSWORD"),
			DBName:         getEnvOrDefault("DB_NAME", "apple_health"),
			SSLMode:        getEnvOrDefault("DB_SSLMODE", "disable"),
			ConnectTimeout: getEnvDuration("DB_CONNECT_TIMEOUT", 10*time.Second),
		},
		Import: ImportConfig{
			CommitEvery:     getEnvInt("IMPORT_COMMIT_EVERY", DefaultCommitEvery),
			DuplicatePolicy: getEnvOrDefault("IMPORT_DUPLICATE_POLICY", DuplicatePolicyAppend),
			StrictIntegers:  getEnvBool("IMPORT_STRICT_INTEGERS", false),
			UploadDir:       getEnvOrDefault("IMPORT_UPLOAD_DIR", "uploads"),
		},
		Redis: RedisConfig{
			Host:     os.Getenv("REDIS_HOST"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("RUN_LOCK_TTL", 6*time.Hour),
		},
		Telegram: TelegramConfig{
			Token:  os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChatID: chatID,
		},
		Logger: LoggerConfig{
			LevelName:  getEnvOrDefault("LOG_LEVEL", "info"),
			OutputPath: getEnvOrDefault("LOG_OUTPUT", "stderr"),
			Format:     getEnvOrDefault("LOG_FORMAT", "text"),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
	}
	cfg.Logger.Level = ParseLogLevel(cfg.Logger.LevelName)
	return cfg, nil
}

// LoadFile loads the environment configuration and overlays the YAML file at path.
// Keys missing from the file keep their environment values.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Logger.Level = ParseLogLevel(cfg.Logger.LevelName)
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return fmt.Errorf("db host is required")
	}
	if c.DB.DBName == "" {
		return fmt.Errorf("db name is required")
	}
	if c.Import.CommitEvery < 1 {
		return fmt.Errorf("commit_every must be positive, got %d", c.Import.CommitEvery)
	}
	switch c.Import.DuplicatePolicy {
	case DuplicatePolicyAppend, DuplicatePolicySkip:
	default:
		return fmt.Errorf("unknown duplicate policy %q", c.Import.DuplicatePolicy)
	}
	switch c.Logger.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logger.Format)
	}
	return nil
}

// LoggerSettings converts the logger section into logger.Config.
func (c *Config) LoggerSettings() logger.Config {
	return logger.Config{
		Level:      c.Logger.Level,
		OutputPath: c.Logger.OutputPath,
		Format:     c.Logger.Format,
	}
}
