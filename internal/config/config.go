// Package config loads procwatch settings from defaults, an optional YAML
// file and PROCWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides: server.port is read
// from PROCWATCH_SERVER_PORT.
const EnvPrefix = "PROCWATCH"

// Config is a nil-safe view over a viper instance.
type Config struct {
	v *viper.Viper
}

// New wraps v. A nil v behaves as an empty configuration.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	if c.v == nil {
		return 0
	}
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	if c.v == nil {
		return 0
	}
	return c.v.GetDuration(key)
}

func (c *Config) IsSet(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// Sub returns the subtree at key. It never returns nil; a missing subtree
// is an empty Config.
func (c *Config) Sub(key string) *Config {
	if c.v == nil {
		return New(nil)
	}
	return New(c.v.Sub(key))
}

// Unmarshal decodes the whole configuration into out.
func (c *Config) Unmarshal(out any) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(out)
}

// Viper returns the underlying instance, or nil.
func (c *Config) Viper() *viper.Viper { return c.v }

// Settings is the typed form of the configuration.
type Settings struct {
	Log       LogSettings       `mapstructure:"log"`
	Server    ServerSettings    `mapstructure:"server"`
	Engine    EngineSettings    `mapstructure:"engine"`
	History   HistorySettings   `mapstructure:"history"`
	MQTT      MQTTSettings      `mapstructure:"mqtt"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	Watches   []WatchSettings   `mapstructure:"watches"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
}

type ServerSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// PollRate is the sustained number of poll requests per second the API
	// accepts; PollBurst the bucket size.
	PollRate  float64 `mapstructure:"poll_rate"`
	PollBurst int     `mapstructure:"poll_burst"`
}

// Addr returns host:port.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type EngineSettings struct {
	Collector string `mapstructure:"collector"`
	NameRetry bool   `mapstructure:"name_retry"`
	Fanout    int    `mapstructure:"fanout"`
}

type HistorySettings struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type MQTTSettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

type TelemetrySettings struct {
	Enabled bool `mapstructure:"enabled"`
}

// WatchSettings configures one periodic poll. Kind is "system", "pid" or
// "name". The mask is either numeric or a list of metric keys.
type WatchSettings struct {
	Name     string        `mapstructure:"name"`
	Kind     string        `mapstructure:"kind"`
	PID      uint32        `mapstructure:"pid"`
	Process  string        `mapstructure:"process"`
	Mask     uint32        `mapstructure:"mask"`
	Metrics  []string      `mapstructure:"metrics"`
	Interval time.Duration `mapstructure:"interval"`
}

// SetDefaults installs the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9107)
	v.SetDefault("server.poll_rate", 20.0)
	v.SetDefault("server.poll_burst", 40)
	v.SetDefault("engine.collector", "auto")
	v.SetDefault("engine.name_retry", true)
	v.SetDefault("engine.fanout", 8)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "procwatch.db")
	v.SetDefault("history.retention", 24*time.Hour)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "procwatch")
	v.SetDefault("mqtt.topic_prefix", "procwatch")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("telemetry.enabled", true)
}

// Load reads path (optional; "" skips the file) over the defaults and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	return New(v), nil
}

// Settings decodes and validates the typed settings.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values that would otherwise fail late.
func (s Settings) Validate() error {
	var errs []error
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	switch s.Engine.Collector {
	case "", "auto", "procfs", "gopsutil":
	default:
		errs = append(errs, fmt.Errorf("engine.collector %q is not one of auto, procfs, gopsutil", s.Engine.Collector))
	}
	if s.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", s.MQTT.QoS))
	}
	seen := map[string]bool{}
	for i, w := range s.Watches {
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("watches[%d]: name is required", i))
		} else if seen[w.Name] {
			errs = append(errs, fmt.Errorf("watches[%d]: duplicate name %q", i, w.Name))
		}
		seen[w.Name] = true
		if w.Interval <= 0 {
			errs = append(errs, fmt.Errorf("watches[%d]: interval must be positive", i))
		}
	}
	return errors.Join(errs...)
}
