package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/canopy-network/chaingate/pkg/retry"
)

// EnvPrefix prefixes every environment variable read by the gateway.
const EnvPrefix = "GATEWAY"

// Indexer modes and stream sources.
const (
	ModeHTTP = "http"
	ModeMock = "mock"

	SourceRedis = "redis"
	SourceNATS  = "nats"
	SourceMock  = "mock"
)

// Config holds the gateway configuration loaded from flags, env, or config file.
type Config struct {
	Addr        string
	LogLevel    string
	LogEncoding string

	IndexerMode      string
	IndexerEndpoints []string
	IndexerTimeout   time.Duration
	IndexerRPS       int
	IndexerBurst     int

	StreamSource string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	NATSURL     string
	NATSSubject string

	BatchMaxKeys int
	BatchWait    time.Duration

	QueueCapacity int
	IdleTimeout   time.Duration

	RetryBase     time.Duration
	RetryCap      time.Duration
	RetryAttempts int

	CacheRedis bool
	CacheTTL   time.Duration

	MockMinDelay time.Duration
	MockMaxDelay time.Duration

	StatsCron string
}

var defaults = map[string]any{
	"addr":                        ":3001",
	"log-level":                   "info",
	"log-encoding":                "json",
	"indexer.mode":                ModeHTTP,
	"indexer.endpoints":           []string{"http://localhost:8080"},
	"indexer.timeout":             10 * time.Second,
	"indexer.rps":                 20,
	"indexer.burst":               40,
	"stream.source":               SourceRedis,
	"redis.addr":                  "localhost:6379",
	"redis.password":              "",
	"redis.db":                    0,
	"redis.channel":               "gateway:events",
	"nats.url":                    "nats://localhost:4222",
	"nats.subject":                "gateway.events",
	"batch.max-keys":              100,
	"batch.wait":                  2 * time.Millisecond,
	"subscription.queue-capacity": 256,
	"hub.idle-timeout":            60 * time.Second,
	"retry.base":                  200 * time.Millisecond,
	"retry.cap":                   5 * time.Second,
	"retry.attempts":              5,
	"cache.redis":                 false,
	"cache.ttl":                   24 * time.Hour,
	"mock.min-delay":              5 * time.Second,
	"mock.max-delay":              15 * time.Second,
	"stats.cron":                  "@every 1m",
}

// RegisterFlags adds the gateway flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("addr", ":3001", "listen address (<ip>:<port> or :<port>)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-encoding", "json", "log encoding (json, console)")
	fs.String("indexer.mode", ModeHTTP, "indexer client (http, mock)")
	fs.StringSlice("indexer.endpoints", []string{"http://localhost:8080"}, "indexer base URLs (comma-separated)")
	fs.Duration("indexer.timeout", 10*time.Second, "indexer request timeout")
	fs.String("stream.source", SourceRedis, "event stream source (redis, nats, mock)")
	fs.String("redis.addr", "localhost:6379", "Redis address")
	fs.String("nats.url", "nats://localhost:4222", "NATS server URL")
	fs.Bool("cache.redis", false, "share metadata between gateways through Redis")
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Addr:             v.GetString("addr"),
		LogLevel:         v.GetString("log-level"),
		LogEncoding:      v.GetString("log-encoding"),
		IndexerMode:      strings.ToLower(v.GetString("indexer.mode")),
		IndexerEndpoints: getStringSlice(v, "indexer.endpoints"),
		IndexerTimeout:   v.GetDuration("indexer.timeout"),
		IndexerRPS:       v.GetInt("indexer.rps"),
		IndexerBurst:     v.GetInt("indexer.burst"),
		StreamSource:     strings.ToLower(v.GetString("stream.source")),
		RedisAddr:        v.GetString("redis.addr"),
		RedisPassword:    v.GetString("redis.password"),
		RedisDB:          v.GetInt("redis.db"),
		RedisChannel:     v.GetString("redis.channel"),
		NATSURL:          v.GetString("nats.url"),
		NATSSubject:      v.GetString("nats.subject"),
		BatchMaxKeys:     v.GetInt("batch.max-keys"),
		BatchWait:        v.GetDuration("batch.wait"),
		QueueCapacity:    v.GetInt("subscription.queue-capacity"),
		IdleTimeout:      v.GetDuration("hub.idle-timeout"),
		RetryBase:        v.GetDuration("retry.base"),
		RetryCap:         v.GetDuration("retry.cap"),
		RetryAttempts:    v.GetInt("retry.attempts"),
		CacheRedis:       v.GetBool("cache.redis"),
		CacheTTL:         v.GetDuration("cache.ttl"),
		MockMinDelay:     v.GetDuration("mock.min-delay"),
		MockMaxDelay:     v.GetDuration("mock.max-delay"),
		StatsCron:        v.GetString("stats.cron"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	switch c.IndexerMode {
	case ModeHTTP:
		if len(c.IndexerEndpoints) == 0 {
			return fmt.Errorf("indexer.endpoints is required in %s mode", ModeHTTP)
		}
	case ModeMock:
	default:
		return fmt.Errorf("unknown indexer.mode %q", c.IndexerMode)
	}

	switch c.StreamSource {
	case SourceRedis, SourceNATS, SourceMock:
	default:
		return fmt.Errorf("unknown stream.source %q", c.StreamSource)
	}
	if c.StreamSource == SourceMock && c.IndexerMode != ModeMock {
		return fmt.Errorf("stream.source %q requires indexer.mode %q", SourceMock, ModeMock)
	}

	if c.QueueCapacity <= 0 {
		return fmt.Errorf("subscription.queue-capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.BatchMaxKeys <= 0 {
		return fmt.Errorf("batch.max-keys must be positive, got %d", c.BatchMaxKeys)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive, got %d", c.RetryAttempts)
	}
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("retry.cap %s is below retry.base %s", c.RetryCap, c.RetryBase)
	}
	if c.MockMaxDelay < c.MockMinDelay {
		return fmt.Errorf("mock.max-delay %s is below mock.min-delay %s", c.MockMaxDelay, c.MockMinDelay)
	}
	return nil
}

// Retry returns the backoff settings shared by the indexer client and the hub.
func (c Config) Retry() retry.Config {
	return retry.Config{
		MaxRetries:    c.RetryAttempts,
		InitialDelay:  c.RetryBase,
		MaxDelay:      c.RetryCap,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return cleanStrings(strings.Split(typed, ","))
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
