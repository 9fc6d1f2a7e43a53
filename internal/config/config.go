// Package config loads and validates Mantle's runtime configuration.
// Precedence is CLI flags > MANTLE_* environment variables > defaults;
// the flag layer lives in cmd/mantle and overwrites fields after Load.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the complete runtime configuration.
type Config struct {
	// MQTT connection.
	BrokerURL   string
	Username    string
	Password    string
	ClientID    string
	SharedGroup string // MQTT 5 shared-subscription group, empty to disable

	// Time-series storage.
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSL       bool
	DBSSLCA     string
	DBAdminName string // maintenance database used to create DBName

	// Hot-value cache. Empty RedisURL disables the cache.
	RedisURL        string
	RedisMaxRetries int
	RedisRetryDelay time.Duration

	// Alarm webhook.
	WebhookURL    string
	WebhookSecret string
	SpaceShortID  string

	// Service behaviour.
	Historian bool // persist samples into the history tables
	APIAddr   string
	LogLevel  string
	LogFormat string
}

// Defaults returns the baseline configuration before env and flags.
func Defaults() *Config {
	return &Config{
		BrokerURL:       "tcp://localhost:1883",
		ClientID:        "mantle",
		DBHost:          "localhost",
		DBPort:          5432,
		DBUser:          "postgres",
		DBName:          "mantle",
		DBAdminName:     "postgres",
		RedisMaxRetries: 5,
		RedisRetryDelay: 2 * time.Second,
		Historian:       true,
		APIAddr:         ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load builds the configuration from defaults and MANTLE_* environment
// variables. A .env file in the working directory is honoured when
// present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := Defaults()
	envString(&cfg.BrokerURL, "MANTLE_BROKER_URL")
	envString(&cfg.Username, "MANTLE_USERNAME")
	envString(&cfg.Password, "MANTLE_PASSWORD")
	envString(&cfg.ClientID, "MANTLE_CLIENT_ID")
	envString(&cfg.SharedGroup, "MANTLE_SHARED_GROUP")
	envString(&cfg.DBHost, "MANTLE_DB_HOST")
	envInt(&cfg.DBPort, "MANTLE_DB_PORT")
	envString(&cfg.DBUser, "MANTLE_DB_USER")
	envString(&cfg.DBPassword, "MANTLE_DB_PASSWORD")
	envString(&cfg.DBName, "MANTLE_DB_NAME")
	envBool(&cfg.DBSSL, "MANTLE_DB_SSL")
	envString(&cfg.DBSSLCA, "MANTLE_DB_SSL_CA")
	envString(&cfg.DBAdminName, "MANTLE_DB_ADMIN_NAME")
	envString(&cfg.RedisURL, "MANTLE_REDIS_URL")
	envInt(&cfg.RedisMaxRetries, "MANTLE_REDIS_MAX_RETRIES")
	envString(&cfg.WebhookURL, "MANTLE_WEBHOOK_URL")
	envString(&cfg.WebhookSecret, "MANTLE_WEBHOOK_SECRET")
	envString(&cfg.SpaceShortID, "MANTLE_SPACE_SHORT_ID")
	envBool(&cfg.Historian, "MANTLE_HISTORIAN")
	envString(&cfg.APIAddr, "MANTLE_API_ADDR")
	envString(&cfg.LogLevel, "MANTLE_LOG_LEVEL")
	envString(&cfg.LogFormat, "MANTLE_LOG_FORMAT")
	return cfg, nil
}

// Validate checks the fields a broken deployment most often gets wrong.
func (c *Config) Validate() error {
	if err := ValidateHost(c.DBHost); err != nil {
		return fmt.Errorf("db host: %w", err)
	}
	if err := ValidatePort(c.DBPort); err != nil {
		return fmt.Errorf("db port: %w", err)
	}
	if c.DBName == "" {
		return fmt.Errorf("db name must not be empty")
	}
	if c.DBSSLCA != "" {
		if err := ValidateCAFile(c.DBSSLCA); err != nil {
			return fmt.Errorf("db ssl ca: %w", err)
		}
	}
	if c.RedisMaxRetries < 0 {
		return fmt.Errorf("redis max retries must not be negative")
	}
	return nil
}

// DatabaseURL builds the pgx connection string for the service database.
func (c *Config) DatabaseURL() string {
	return c.databaseURL(c.DBName)
}

// AdminDatabaseURL targets the maintenance database; used to create the
// service database on first run. The default maintenance database is
// "postgres" (present on every stock install); managed deployments can
// override it with --db-admin-name.
func (c *Config) AdminDatabaseURL() string {
	return c.databaseURL(c.DBAdminName)
}

func (c *Config) databaseURL(dbname string) string {
	sslmode := "disable"
	if c.DBSSL {
		sslmode = "require"
		if c.DBSSLCA != "" {
			sslmode = "verify-full"
		}
	}
	url := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, dbname, sslmode)
	if c.DBSSLCA != "" {
		url += "&sslrootcert=" + c.DBSSLCA
	}
	return url
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-numeric environment variable")
			return
		}
		*dst = n
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-boolean environment variable")
			return
		}
		*dst = b
	}
}

// ValidateHost accepts hostnames and literal IPs.
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid hostname %q", host)
		}
		for _, r := range label {
			if !(r == '-' || r == '_' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return fmt.Errorf("invalid hostname %q", host)
			}
		}
	}
	return nil
}

// ValidatePort accepts the full TCP port range.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d outside 1-65535", port)
	}
	return nil
}

// ValidateCAFile checks the path points at a readable PEM certificate.
func ValidateCAFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !strings.Contains(string(data), "-----BEGIN CERTIFICATE-----") {
		return fmt.Errorf("%s is not a PEM certificate bundle", path)
	}
	return nil
}
