package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Health   HealthConfig   `mapstructure:"health"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// DeliveryConfig holds engine-wide delivery settings. The retry and timeout
// values apply to templates that leave their own unset.
type DeliveryConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	SuccessMin   int           `mapstructure:"success_min"`
	SuccessMax   int           `mapstructure:"success_max"`
}

type QueueConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type HealthConfig struct {
	Window           time.Duration `mapstructure:"window"`
	HealthyThreshold float64       `mapstructure:"healthy_threshold"`
	WarningThreshold float64       `mapstructure:"warning_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var envKeyReplacer = strings.NewReplacer(".", "_")

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("postrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/postrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("POSTRELAY")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/postrelay.db")

	v.SetDefault("delivery.workers", 50)
	v.SetDefault("delivery.poll_interval", 500*time.Millisecond)
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.base_delay", 30*time.Second)
	v.SetDefault("delivery.max_delay", time.Hour)
	v.SetDefault("delivery.success_min", 200)
	v.SetDefault("delivery.success_max", 299)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.prefix", "postrelay:retry")

	v.SetDefault("health.window", 24*time.Hour)
	v.SetDefault("health.healthy_threshold", 0.95)
	v.SetDefault("health.warning_threshold", 0.80)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
