package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Redis    RedisConfig
	NATS     NATSConfig
	XMPP     XMPPConfig
	Tracking TrackingConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

// XMPPConfig configures the optional alert relay. When Enabled, threshold
// and reset alerts are delivered as XMPP messages to AlertJID.
type XMPPConfig struct {
	Enabled         bool
	ComponentName   string
	ComponentSecret string
	ServerHost      string
	ServerPort      int
	AlertJID        string
}

func (c XMPPConfig) ComponentAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// TrackingConfig holds the counting-engine knobs: daily message limit,
// threshold bands, token-variant thresholds, and detector timing.
type TrackingConfig struct {
	DefaultLimit      int
	WarnPercent       int
	CriticalPercent   int
	TokenLimit        int
	WarnTokens        int
	CriticalTokens    int
	DebounceWindow    time.Duration
	SessionTTL        time.Duration
	ResetCheckEvery   time.Duration
	SnapshotRateLimit int
	SnapshotRateSec   int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               k.String("server.host"),
			Port:               k.Int("server.port"),
			CORSAllowedOrigins: k.Strings("server.cors.origins"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Enabled: k.Bool("nats.enabled"),
		},
		XMPP: XMPPConfig{
			Enabled:         k.Bool("xmpp.enabled"),
			ComponentName:   k.String("xmpp.component.name"),
			ComponentSecret: k.String("xmpp.component.secret"),
			ServerHost:      k.String("xmpp.server.host"),
			ServerPort:      k.Int("xmpp.server.port"),
			AlertJID:        k.String("xmpp.alert.jid"),
		},
		Tracking: TrackingConfig{
			DefaultLimit:      k.Int("tracking.default.limit"),
			WarnPercent:       k.Int("tracking.warn.percent"),
			CriticalPercent:   k.Int("tracking.critical.percent"),
			TokenLimit:        k.Int("tracking.token.limit"),
			WarnTokens:        k.Int("tracking.warn.tokens"),
			CriticalTokens:    k.Int("tracking.critical.tokens"),
			SnapshotRateLimit: k.Int("tracking.snapshot.rate.limit"),
			SnapshotRateSec:   k.Int("tracking.snapshot.rate.sec"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "chatmeter"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "chatmeter"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 10
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.XMPP.ServerPort == 0 {
		cfg.XMPP.ServerPort = 5347
	}
	if cfg.Tracking.DefaultLimit == 0 {
		cfg.Tracking.DefaultLimit = 30
	}
	if cfg.Tracking.WarnPercent == 0 {
		cfg.Tracking.WarnPercent = 80
	}
	if cfg.Tracking.CriticalPercent == 0 {
		cfg.Tracking.CriticalPercent = 90
	}
	if cfg.Tracking.TokenLimit == 0 {
		cfg.Tracking.TokenLimit = 128000
	}
	if cfg.Tracking.WarnTokens == 0 {
		cfg.Tracking.WarnTokens = 90000
	}
	if cfg.Tracking.CriticalTokens == 0 {
		cfg.Tracking.CriticalTokens = 115000
	}
	if cfg.Tracking.SnapshotRateLimit == 0 {
		cfg.Tracking.SnapshotRateLimit = 60
	}
	if cfg.Tracking.SnapshotRateSec == 0 {
		cfg.Tracking.SnapshotRateSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	debounceStr := k.String("tracking.debounce.window")
	if debounceStr == "" {
		debounceStr = "900ms"
	}
	cfg.Tracking.DebounceWindow, err = time.ParseDuration(debounceStr)
	if err != nil {
		return nil, fmt.Errorf("parsing tracking debounce window: %w", err)
	}

	sessionTTLStr := k.String("tracking.session.ttl")
	if sessionTTLStr == "" {
		sessionTTLStr = "72h"
	}
	cfg.Tracking.SessionTTL, err = time.ParseDuration(sessionTTLStr)
	if err != nil {
		return nil, fmt.Errorf("parsing tracking session ttl: %w", err)
	}

	resetEveryStr := k.String("tracking.reset.check.every")
	if resetEveryStr == "" {
		resetEveryStr = "1h"
	}
	cfg.Tracking.ResetCheckEvery, err = time.ParseDuration(resetEveryStr)
	if err != nil {
		return nil, fmt.Errorf("parsing tracking reset check interval: %w", err)
	}

	return cfg, nil
}
