package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/cloud"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/poller"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/pubsub"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

type AccountConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// MQTTConfig selects which push sessions are opened at startup.
type MQTTConfig struct {
	Simple        bool `mapstructure:"simple"`
	Certificate   bool `mapstructure:"certificate"`
	pubsub.Config `mapstructure:",squash"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CatalogConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Config struct {
	Port         string        `mapstructure:"port"`
	LogLevel     string        `mapstructure:"log_level"`
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Account      AccountConfig `mapstructure:"account"`
	MQTT         MQTTConfig    `mapstructure:"mqtt"`
	Redis        RedisConfig   `mapstructure:"redis"`
	Catalog      CatalogConfig `mapstructure:"catalog"`
}

func (c *Config) HasAccount() bool {
	return c.Account.Email != "" && c.Account.Password != ""
}

var envBindings = [][2]string{
	{"port", "GOVEE_ADAPTER_PORT"},
	{"log_level", "LOG_LEVEL"},
	{"api_key", "GOVEE_API_KEY"},
	{"base_url", "GOVEE_API_BASE_URL"},
	{"poll_interval", "GOVEE_POLL_INTERVAL"},
	{"account.email", "GOVEE_EMAIL"},
	{"account.password", "GOVEE_PASSWORD"},
	{"mqtt.simple", "GOVEE_MQTT_SIMPLE"},
	{"mqtt.certificate", "GOVEE_MQTT_CERTIFICATE"},
	{"mqtt.simple_broker", "GOVEE_MQTT_SIMPLE_BROKER"},
	{"mqtt.cert_broker", "GOVEE_MQTT_CERT_BROKER"},
	{"mqtt.cert.enabled", "GOVEE_MQTT_CERT_ENABLED"},
	{"mqtt.cert.root_ca_file", "GOVEE_MQTT_ROOT_CA_FILE"},
	{"mqtt.cert.cert_file", "GOVEE_MQTT_CERT_FILE"},
	{"mqtt.cert.key_file", "GOVEE_MQTT_KEY_FILE"},
	{"mqtt.cert.pkcs12_file", "GOVEE_MQTT_PKCS12_FILE"},
	{"mqtt.cert.pkcs12_password", "GOVEE_MQTT_PKCS12_PASSWORD"},
	{"mqtt.cert.allow_insecure_tls", "GOVEE_MQTT_ALLOW_INSECURE_TLS"},
	{"redis.addr", "REDIS_ADDR"},
	{"redis.password", "REDIS_PASSWORD"},
	{"redis.db", "REDIS_DB"},
	{"catalog.driver", "GOVEE_CATALOG_DRIVER"},
	{"catalog.dsn", "GOVEE_CATALOG_DSN"},
}

func defaults(v *viper.Viper) {
	v.SetDefault("port", "8095")
	v.SetDefault("log_level", "info")
	v.SetDefault("base_url", cloud.DefaultBaseURL)
	v.SetDefault("poll_interval", poller.DefaultInterval)
	v.SetDefault("mqtt.simple", false)
	v.SetDefault("mqtt.certificate", false)
	v.SetDefault("mqtt.simple_broker", pubsub.DefaultBroker)
	v.SetDefault("mqtt.cert_broker", pubsub.DefaultBroker)
	v.SetDefault("mqtt.cert.enabled", false)
	v.SetDefault("mqtt.cert.allow_insecure_tls", false)
	v.SetDefault("redis.db", 0)
	v.SetDefault("catalog.driver", "sqlite")
}

// Load reads defaults, then the optional YAML file at path (or
// GOVEE_ADAPTER_CONFIG), then environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	for _, b := range envBindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b[1], err)
		}
	}

	if path == "" {
		path = os.Getenv("GOVEE_ADAPTER_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.NewConfigError("config_file", "failed to read "+path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.NewConfigError("", "failed to unmarshal config", err)
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Account.Email = strings.TrimSpace(cfg.Account.Email)
	cfg.Catalog.Driver = strings.ToLower(strings.TrimSpace(cfg.Catalog.Driver))
	if cfg.Catalog.Driver == "sqlite" && cfg.Catalog.DSN == "" {
		cfg.Catalog.DSN = "govee-catalog.db"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LogValue summarises the config for logging. Secrets are never included.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("port", c.Port),
		slog.Duration("poll_interval", c.PollInterval),
		slog.Bool("account", c.HasAccount()),
		slog.Bool("mqtt_simple", c.MQTT.Simple),
		slog.Bool("mqtt_certificate", c.MQTT.Certificate),
		slog.Bool("redis", c.Redis.Addr != ""),
		slog.String("catalog", c.Catalog.Driver),
	)
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return apperrors.NewConfigError("api_key", "GOVEE_API_KEY is required", nil)
	}
	if c.PollInterval < time.Second {
		return apperrors.NewConfigError("poll_interval", fmt.Sprintf("must be at least 1s, got %s", c.PollInterval), nil)
	}
	if c.MQTT.Certificate && !c.HasAccount() {
		return apperrors.NewConfigError("account", "certificate push session requires GOVEE_EMAIL and GOVEE_PASSWORD", nil)
	}
	if c.Catalog.Driver == "postgres" && c.Catalog.DSN == "" {
		return apperrors.NewConfigError("catalog.dsn", "postgres catalog requires a DSN", nil)
	}
	return nil
}
