package config

import (
	"fmt"
	"strings"
	"time"

	"crm-flow/internal/worker"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Store struct {
		// Driver is "postgres" or "memory".
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Signals struct {
		// Transport is "memory", "redis" or "nats".
		Transport string `mapstructure:"transport"`
	} `mapstructure:"signals"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Workers struct {
		Concurrency int                `mapstructure:"concurrency"`
		Retry       worker.RetryPolicy `mapstructure:"retry"`
	} `mapstructure:"workers"`
	Timers struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"timers"`
	Dispatcher struct {
		Shards int `mapstructure:"shards"`
	} `mapstructure:"dispatcher"`
	Auth struct {
		Issuer    string   `mapstructure:"issuer"`
		ClientID  string   `mapstructure:"client_id"`
		DevBypass bool     `mapstructure:"dev_bypass"`
		DevUser   string   `mapstructure:"dev_user"`
		DevOrg    string   `mapstructure:"dev_org"`
		DevRoles  []string `mapstructure:"dev_roles"`
	} `mapstructure:"auth"`
	Mail struct {
		SMTPAddr string `mapstructure:"smtp_addr"`
		From     string `mapstructure:"from"`
	} `mapstructure:"mail"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// DSN renders the gorm postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.DB.Host, c.DB.User, c.DB.Password, c.DB.Name, c.DB.Port, c.DB.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "crmflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("signals.transport", "redis")
	v.SetDefault("nats.url", "nats://localhost:4222")

	retry := worker.DefaultRetryPolicy()
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.retry.max_retries", retry.MaxRetries)
	v.SetDefault("workers.retry.initial_interval", retry.InitialInterval)
	v.SetDefault("workers.retry.backoff_factor", retry.BackoffFactor)
	v.SetDefault("workers.retry.max_interval", retry.MaxInterval)

	v.SetDefault("timers.interval", time.Minute)
	v.SetDefault("dispatcher.shards", 8)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.dev_bypass", false)
	v.SetDefault("auth.dev_user", "dev")
	v.SetDefault("auth.dev_org", "dev-org")
	v.SetDefault("auth.dev_roles", []string{"admin"})
	v.SetDefault("mail.smtp_addr", "")
	v.SetDefault("mail.from", "crm-flow@localhost")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig loads config.yaml from "." or "./config" (or file, when set)
// and overlays CRMFLOW_* environment variables. A missing file is fine.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("CRMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	config.Auth.Issuer = strings.TrimRight(strings.TrimSpace(config.Auth.Issuer), "/")
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return errors.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver)
	}
	switch c.Signals.Transport {
	case "memory", "redis", "nats":
	default:
		return errors.Errorf("signals.transport must be memory, redis or nats, got %q", c.Signals.Transport)
	}
	if c.Dispatcher.Shards < 1 {
		c.Dispatcher.Shards = 1
	}
	if c.Workers.Concurrency < 1 {
		c.Workers.Concurrency = 1
	}
	return nil
}
