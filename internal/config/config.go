package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/pipeline"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "KERBTRACK"
	defaultHTTPAddress        = "0.0.0.0:8050"
	defaultLogLevel           = "info"
	defaultFeedDriver         = FeedDriverMQTT
	defaultFeedTopic          = "test/kerbtrack/json_data"
	defaultMQTTBroker         = "tcp://broker.hivemq.com:1883"
	defaultRedisAddress       = "localhost:6379"
	defaultStoreDriver        = StoreDriverXLSX
	defaultStorePath          = "mqtt_data.xlsx"
	defaultRetryAttempts      = 3
	defaultRetryBackoff       = time.Second
	defaultPersistInterval    = 5 * time.Second
	defaultAnnotationInterval = 3 * time.Second
	defaultSafetyInterval     = 60 * time.Second
	defaultFlushTimeout       = 10 * time.Second
	defaultArchiveDir         = "archive"
	defaultTokenTTL           = 30 * time.Minute
)

const (
	FeedDriverMQTT  = "mqtt"
	FeedDriverRedis = "redis"

	StoreDriverXLSX   = "xlsx"
	StoreDriverSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the ingestion service.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	FeedDriver string
	FeedTopic  string

	MQTTBroker   string
	MQTTClientID string
	MQTTQoS      byte

	RedisAddress string
	RedisChannel string

	StoreDriver        string
	StorePath          string
	StoreRetryAttempts int
	StoreRetryBackoff  time.Duration

	PersistInterval    time.Duration
	AnnotationInterval time.Duration
	SafetyInterval     time.Duration
	FlushTimeout       time.Duration

	ArchiveSchedule string
	ArchiveDir      string

	AuthSigningSecret string
	AuthTokenTTL      time.Duration
	AuthUsers         map[string]string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("feed.driver", defaultFeedDriver)
	configViper.SetDefault("feed.topic", defaultFeedTopic)
	configViper.SetDefault("mqtt.broker", defaultMQTTBroker)
	configViper.SetDefault("mqtt.client_id", "")
	configViper.SetDefault("mqtt.qos", 0)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.channel", "")
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("store.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("store.retry_backoff", defaultRetryBackoff)
	configViper.SetDefault("schedule.persist_interval", defaultPersistInterval)
	configViper.SetDefault("schedule.annotation_interval", defaultAnnotationInterval)
	configViper.SetDefault("schedule.safety_interval", defaultSafetyInterval)
	configViper.SetDefault("schedule.flush_timeout", defaultFlushTimeout)
	configViper.SetDefault("archive.schedule", "")
	configViper.SetDefault("archive.dir", defaultArchiveDir)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

// Load parses runtime configuration from viper and validates all of it.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg, err := read(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadStore parses configuration for read-only store access. Only the store settings
// are validated, so feed and auth settings may be absent.
func LoadStore(configViper *viper.Viper) (AppConfig, error) {
	cfg, err := read(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	if err := cfg.validateStore(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func read(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		FeedDriver:         strings.ToLower(strings.TrimSpace(configViper.GetString("feed.driver"))),
		FeedTopic:          strings.TrimSpace(configViper.GetString("feed.topic")),
		MQTTBroker:         strings.TrimSpace(configViper.GetString("mqtt.broker")),
		MQTTClientID:       strings.TrimSpace(configViper.GetString("mqtt.client_id")),
		RedisAddress:       strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:       strings.TrimSpace(configViper.GetString("redis.channel")),
		StoreDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StorePath:          strings.TrimSpace(configViper.GetString("store.path")),
		StoreRetryAttempts: configViper.GetInt("store.retry_attempts"),
		StoreRetryBackoff:  configViper.GetDuration("store.retry_backoff"),
		PersistInterval:    configViper.GetDuration("schedule.persist_interval"),
		AnnotationInterval: configViper.GetDuration("schedule.annotation_interval"),
		SafetyInterval:     configViper.GetDuration("schedule.safety_interval"),
		FlushTimeout:       configViper.GetDuration("schedule.flush_timeout"),
		ArchiveSchedule:    strings.TrimSpace(configViper.GetString("archive.schedule")),
		ArchiveDir:         strings.TrimSpace(configViper.GetString("archive.dir")),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthTokenTTL:       configViper.GetDuration("auth.token_ttl"),
		AuthUsers:          configViper.GetStringMapString("auth.users"),
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = cfg.FeedTopic
	}

	qos := configViper.GetInt("mqtt.qos")
	if qos < 0 || qos > 2 {
		return AppConfig{}, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", qos)
	}
	cfg.MQTTQoS = byte(qos)

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if len(c.AuthUsers) == 0 {
		return fmt.Errorf("auth.users must configure at least one user")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	switch c.FeedDriver {
	case FeedDriverMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
	case FeedDriverRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("redis.address is required")
		}
	default:
		return fmt.Errorf("feed.driver must be %q or %q, got %q", FeedDriverMQTT, FeedDriverRedis, c.FeedDriver)
	}
	if c.FeedTopic == "" {
		return fmt.Errorf("feed.topic is required")
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.StoreRetryAttempts <= 0 {
		return fmt.Errorf("store.retry_attempts must be positive")
	}
	if c.StoreRetryBackoff <= 0 {
		return fmt.Errorf("store.retry_backoff must be positive")
	}
	for key, interval := range map[string]time.Duration{
		"schedule.persist_interval":    c.PersistInterval,
		"schedule.annotation_interval": c.AnnotationInterval,
		"schedule.safety_interval":     c.SafetyInterval,
		"schedule.flush_timeout":       c.FlushTimeout,
	} {
		if interval <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.ArchiveSchedule != "" {
		if _, err := pipeline.ParseCron(c.ArchiveSchedule); err != nil {
			return fmt.Errorf("archive.schedule: %w", err)
		}
		if c.ArchiveDir == "" {
			return fmt.Errorf("archive.dir is required when archive.schedule is set")
		}
	}
	return nil
}

func (c AppConfig) validateStore() error {
	switch c.StoreDriver {
	case StoreDriverXLSX, StoreDriverSQLite:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreDriverXLSX, StoreDriverSQLite, c.StoreDriver)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
