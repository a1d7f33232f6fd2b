package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	ServiceName string
	Development bool
	LogLevel    string

	HTTPPort        string
	GRPCPort        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Postgres; when DBHost is empty the caja store is kept in memory.
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	MigrationsPath      string
	StockDBPath         string
	StockMigrationsPath string

	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
	RedisPass    string
	MongoURI     string
	MongoDBName  string
	OTELEndpoint string
	OTELInsecure bool

	Terminal          string
	Timezone          string
	ReservationTTL    time.Duration
	SweepInterval     time.Duration
	InactivityTimeout time.Duration
	OutboxInterval    time.Duration
	AutoCloseAt       string // HH:MM local time
	AdvisoryStock     bool

	AuthTokens string
	// OpenRoles, CloseRoles and CountRoles accept "*" for any authenticated operator.
	OpenRoles      []string
	CloseRoles     []string
	CountRoles     []string
	AuthorizeRoles []string
	ResolveRoles   []string
	VoidRoles      []string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var errs []error
	dur := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, getEnv(key, def)))
		}
		return d
	}
	flag := func(key string, def bool) bool {
		v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(def)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid bool", key))
		}
		return v
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "pos-service"),
		Development: flag("DEVELOPMENT", false),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		GRPCPort:        getEnv("GRPC_PORT", "50060"),
		RequestTimeout:  dur("REQUEST_TIMEOUT", "30s"),
		ShutdownTimeout: dur("SHUTDOWN_TIMEOUT", "10s"),

		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "caja"),

		MigrationsPath:      getEnv("MIGRATIONS_PATH", "./internal/repository/migrations/postgres"),
		StockDBPath:         getEnv("STOCK_DB_PATH", "stock.db"),
		StockMigrationsPath: getEnv("STOCK_MIGRATIONS_PATH", "./internal/repository/migrations/sqlite"),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "pos-events"),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisPass:    getEnv("REDIS_PASSWORD", ""),
		MongoURI:     getEnv("MONGO_URI", ""),
		MongoDBName:  getEnv("MONGO_DB_NAME", "caja_archive"),
		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELInsecure: flag("OTEL_INSECURE", true),

		Terminal:          getEnv("POS_TERMINAL", "pos-1"),
		Timezone:          getEnv("POS_TIMEZONE", "America/Caracas"),
		ReservationTTL:    dur("RESERVATION_TTL", "10m"),
		SweepInterval:     dur("SWEEP_INTERVAL", "60s"),
		InactivityTimeout: dur("SESSION_INACTIVITY_TIMEOUT", "3m"),
		OutboxInterval:    dur("OUTBOX_INTERVAL", "1s"),
		AutoCloseAt:       getEnv("AUTO_CLOSE_AT", "23:55"),
		AdvisoryStock:     flag("ADVISORY_STOCK", false),

		AuthTokens:     getEnv("AUTH_TOKENS", ""),
		OpenRoles:      roleList("OPEN_ROLES", "admin,supervisor"),
		CloseRoles:     roleList("CLOSE_ROLES", "admin,supervisor"),
		CountRoles:     roleList("COUNT_ROLES", "admin,supervisor"),
		AuthorizeRoles: splitList(getEnv("AUTHORIZE_ROLES", "admin,supervisor")),
		ResolveRoles:   splitList(getEnv("RESOLVE_ROLES", "admin,supervisor")),
		VoidRoles:      splitList(getEnv("VOID_ROLES", "admin")),
	}

	if _, err := strconv.Atoi(cfg.DBPort); err != nil {
		errs = append(errs, fmt.Errorf("DB_PORT: invalid port %q", cfg.DBPort))
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("POS_TIMEZONE: %w", err))
	}
	if cfg.AutoCloseAt != "" {
		if _, _, err := cfg.AutoCloseClock(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cfg.AuthorizeRoles) == 0 {
		errs = append(errs, errors.New("AUTHORIZE_ROLES: at least one role required"))
	}
	if cfg.KafkaTopic == "" && len(cfg.KafkaBrokers) > 0 {
		errs = append(errs, errors.New("KAFKA_TOPIC: required when KAFKA_BROKERS is set"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DBPortNumber returns DBPort as validated by Load.
func (c *Config) DBPortNumber() int {
	n, _ := strconv.Atoi(c.DBPort)
	return n
}

// Location returns the terminal's time zone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AutoCloseClock parses AutoCloseAt as hour and minute.
func (c *Config) AutoCloseClock() (int, int, error) {
	t, err := time.Parse("15:04", c.AutoCloseAt)
	if err != nil {
		return 0, 0, fmt.Errorf("AUTO_CLOSE_AT: want HH:MM, got %q", c.AutoCloseAt)
	}
	return t.Hour(), t.Minute(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// roleList reads a role list where "*" means no restriction.
func roleList(key, def string) []string {
	v := getEnv(key, def)
	if strings.TrimSpace(v) == "*" {
		return nil
	}
	return splitList(v)
}
