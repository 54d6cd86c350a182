package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultJWTExpiresIn    = "24h"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "lengolf_inbox"
	DefaultPGSSLMode       = "disable"
	DefaultRedisAddr       = "127.0.0.1:6379"
	DefaultQueueDriver     = "memory"
	DefaultQueueWorkers    = 4
	DefaultQueueBuffer     = 256
	DefaultAMQPExchange    = "inbox.events"
	DefaultAMQPQueue       = "inbox.inbound"
	DefaultAMQPRoutingKey  = "chat.inbound"
	DefaultCacheCapacity   = 512
	DefaultCacheTTL        = "72h"
	DefaultCacheDir        = "data/attachments"
	DefaultCacheStore      = "fs"
	DefaultCacheSweep      = "@every 1h"
	DefaultFetchTimeout    = "15s"
	DefaultCacheMaxBytes   = 20 * 1024 * 1024
	DefaultPollerInterval  = "5s"
	DefaultSendTimeout     = "10s"
	DefaultMetaReplyWindow = "24h"
)

type Config struct {
	Log      LogConfig                `toml:"log"`
	Server   ServerConfig             `toml:"server"`
	Auth     AuthConfig               `toml:"auth"`
	Postgres PostgresConfig           `toml:"postgres"`
	Redis    RedisConfig              `toml:"redis"`
	Queue    QueueConfig              `toml:"queue"`
	Cache    CacheConfig              `toml:"cache"`
	Poller   PollerConfig             `toml:"poller"`
	Outbound OutboundConfig           `toml:"outbound"`
	Channels map[string]ChannelConfig `toml:"channels"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the connection string understood by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addrs    []string `toml:"addrs"`
	Password string   `toml:"password"`
	Cluster  bool     `toml:"cluster"`
}

type QueueConfig struct {
	Driver  string     `toml:"driver"`
	Workers int        `toml:"workers"`
	Buffer  int        `toml:"buffer"`
	AMQP    AMQPConfig `toml:"amqp"`
}

type AMQPConfig struct {
	URL        string `toml:"url"`
	Exchange   string `toml:"exchange"`
	Queue      string `toml:"queue"`
	RoutingKey string `toml:"routing_key"`
	Prefetch   int    `toml:"prefetch"`
}

type CacheConfig struct {
	Capacity     int    `toml:"capacity"`
	TTL          string `toml:"ttl"`
	Store        string `toml:"store"`
	Dir          string `toml:"dir"`
	Sweep        string `toml:"sweep"`
	FetchTimeout string `toml:"fetch_timeout"`
	MaxBytes     int64  `toml:"max_bytes"`
}

type PollerConfig struct {
	Interval string `toml:"interval"`
}

type OutboundConfig struct {
	SendTimeout string `toml:"send_timeout"`
}

// ChannelConfig carries the per-platform secrets and endpoints.
type ChannelConfig struct {
	Disabled    bool   `toml:"disabled"`
	Secret      string `toml:"secret"`
	AccessToken string `toml:"access_token"`
	APIBaseURL  string `toml:"api_base_url"`
	VerifyToken string `toml:"verify_token"`
	// ReplyWindow overrides the adapter's free-form reply window ("0" disables it).
	ReplyWindow string `toml:"reply_window"`
	// PhoneNumberID is the WhatsApp sender number id used in the send path.
	PhoneNumberID string `toml:"phone_number_id"`
}

func (c CacheConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, 72*time.Hour)
}

func (c CacheConfig) FetchTimeoutDuration() time.Duration {
	return parseDuration(c.FetchTimeout, 15*time.Second)
}

func (c PollerConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, 5*time.Second)
}

func (c OutboundConfig) SendTimeoutDuration() time.Duration {
	return parseDuration(c.SendTimeout, 10*time.Second)
}

func (c AuthConfig) ExpiresIn() time.Duration {
	return parseDuration(c.JWTExpiresIn, 24*time.Hour)
}

// ReplyWindowDuration returns the configured window, or fallback when unset.
func (c ChannelConfig) ReplyWindowDuration(fallback time.Duration) time.Duration {
	return parseDuration(c.ReplyWindow, fallback)
}

// Channel returns the config for a channel type; missing entries are zero values.
func (c Config) Channel(name string) ChannelConfig {
	if c.Channels == nil {
		return ChannelConfig{}
	}
	return c.Channels[strings.ToLower(strings.TrimSpace(name))]
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// KnownChannels lists the channel sections recognised in config and env overrides.
var KnownChannels = []string{"line", "facebook", "instagram", "whatsapp", "website"}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addrs: []string{DefaultRedisAddr},
		},
		Queue: QueueConfig{
			Driver:  DefaultQueueDriver,
			Workers: DefaultQueueWorkers,
			Buffer:  DefaultQueueBuffer,
			AMQP: AMQPConfig{
				Exchange:   DefaultAMQPExchange,
				Queue:      DefaultAMQPQueue,
				RoutingKey: DefaultAMQPRoutingKey,
				Prefetch:   8,
			},
		},
		Cache: CacheConfig{
			Capacity:     DefaultCacheCapacity,
			TTL:          DefaultCacheTTL,
			Store:        DefaultCacheStore,
			Dir:          DefaultCacheDir,
			Sweep:        DefaultCacheSweep,
			FetchTimeout: DefaultFetchTimeout,
			MaxBytes:     DefaultCacheMaxBytes,
		},
		Poller: PollerConfig{
			Interval: DefaultPollerInterval,
		},
		Outbound: OutboundConfig{
			SendTimeout: DefaultSendTimeout,
		},
		Channels: map[string]ChannelConfig{},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets secrets live outside the config file:
// INBOX_JWT_SECRET, INBOX_PG_PASSWORD, INBOX_<CHANNEL>_SECRET and
// INBOX_<CHANNEL>_ACCESS_TOKEN.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("INBOX_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("INBOX_PG_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if cfg.Channels == nil {
		cfg.Channels = map[string]ChannelConfig{}
	}
	normalized := make(map[string]ChannelConfig, len(cfg.Channels))
	for name, ch := range cfg.Channels {
		normalized[strings.ToLower(strings.TrimSpace(name))] = ch
	}
	for _, name := range KnownChannels {
		prefix := "INBOX_" + strings.ToUpper(name) + "_"
		ch := normalized[name]
		if v := strings.TrimSpace(os.Getenv(prefix + "SECRET")); v != "" {
			ch.Secret = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "ACCESS_TOKEN")); v != "" {
			ch.AccessToken = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "VERIFY_TOKEN")); v != "" {
			ch.VerifyToken = v
		}
		if ch != (ChannelConfig{}) {
			normalized[name] = ch
		}
	}
	cfg.Channels = normalized
}
