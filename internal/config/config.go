package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. LIFEBOAT_HTTP_PORT.
const EnvPrefix = "LIFEBOAT"

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	DB       DBConfig       `mapstructure:"db"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Command  CommandConfig  `mapstructure:"command"`
	Network  NetworkConfig  `mapstructure:"network"`
	Flash    FlashConfig    `mapstructure:"flash"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	OTA      OTAConfig      `mapstructure:"ota"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Port      string        `mapstructure:"port"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// CommandConfig drives the primary (TCP) command transport.
type CommandConfig struct {
	Port         string `mapstructure:"port"`
	DefaultToken string `mapstructure:"default_token"`
}

// NetworkConfig drives the primary connectivity probe.
type NetworkConfig struct {
	ProbeAddr       string        `mapstructure:"probe_addr"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	HealthyInterval time.Duration `mapstructure:"healthy_interval"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
}

type FlashConfig struct {
	Dir      string `mapstructure:"dir"`
	SlotSize int64  `mapstructure:"slot_size"`
}

type RecoveryConfig struct {
	Listen           string        `mapstructure:"listen"`
	DeviceName       string        `mapstructure:"device_name"`
	ServiceUUID      string        `mapstructure:"service_uuid"`
	CommandPrefix    string        `mapstructure:"command_prefix"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
}

type OTAConfig struct {
	DrainDelay  time.Duration `mapstructure:"drain_delay"`
	RecvTimeout time.Duration `mapstructure:"recv_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("db.path", "lifeboat.db")
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.token_ttl", time.Hour)
	v.SetDefault("command.port", "3333")
	v.SetDefault("command.default_token", "hunter2")
	v.SetDefault("network.probe_timeout", 3*time.Second)
	v.SetDefault("network.healthy_interval", 10*time.Second)
	v.SetDefault("network.retry_initial", time.Second)
	v.SetDefault("network.retry_max", 30*time.Second)
	v.SetDefault("flash.dir", "flash")
	v.SetDefault("flash.slot_size", int64(1536*1024))
	v.SetDefault("recovery.listen", ":8090")
	v.SetDefault("recovery.device_name", "LoPy4")
	v.SetDefault("recovery.service_uuid", "4fafc201-1fb5-459e-8fcc-c5c9c331914b")
	v.SetDefault("recovery.command_prefix", "BL_OTA")
	v.SetDefault("recovery.watchdog_interval", 2*time.Second)
	v.SetDefault("ota.drain_delay", 750*time.Millisecond)
	v.SetDefault("ota.recv_timeout", 30*time.Second)
}

// Load reads the YAML file at path (or configs/config.yml when path is empty),
// applies LIFEBOAT_* environment overrides and validates the result.
// A missing file is not an error: defaults cover every key.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot start with.
func (c Config) Validate() error {
	if c.Flash.SlotSize <= 0 {
		return errors.New("config: flash.slot_size must be > 0")
	}
	if c.Flash.Dir == "" {
		return errors.New("config: flash.dir is required")
	}
	if _, err := uuid.Parse(c.Recovery.ServiceUUID); err != nil {
		return fmt.Errorf("config: recovery.service_uuid: %w", err)
	}
	if strings.TrimSpace(c.Recovery.CommandPrefix) == "" || strings.ContainsAny(c.Recovery.CommandPrefix, " \t") {
		return errors.New("config: recovery.command_prefix must be a single word")
	}
	if c.Recovery.WatchdogInterval <= 0 {
		return errors.New("config: recovery.watchdog_interval must be > 0")
	}
	if c.Network.RetryInitial <= 0 || c.Network.RetryMax < c.Network.RetryInitial {
		return errors.New("config: network.retry_initial must be > 0 and <= retry_max")
	}
	if c.Command.DefaultToken == "" {
		return errors.New("config: command.default_token is required")
	}
	return nil
}
