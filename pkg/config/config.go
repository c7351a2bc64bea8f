// Package config loads the daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kkyr/fig"
)

const configEnv = "LOCATIOND"

// Config is the daemon configuration.
type Config struct {
	LogLevel string `fig:"log_level" default:"info"`
	Verbose  bool   `fig:"verbose"`

	Resolution struct {
		GlobalTimeout      time.Duration `fig:"global_timeout" default:"15s"`
		RefreshInterval    time.Duration `fig:"refresh_interval" default:"5m"`
		DefaultEnabled     bool          `fig:"default_enabled"`
		DefaultLatitude    float64       `fig:"default_latitude"`
		DefaultLongitude   float64       `fig:"default_longitude"`
		MovementThresholdM float64       `fig:"movement_threshold_m" default:"5"`
		LiveTracking       bool          `fig:"live_tracking"`
	} `fig:"resolution"`

	Cache struct {
		Path        string        `fig:"path" default:"/var/lib/locationd/cache.db"`
		PrimaryTTL  time.Duration `fig:"primary_ttl" default:"10m"`
		FallbackTTL time.Duration `fig:"fallback_ttl" default:"60m"`
	} `fig:"cache"`

	GPSD struct {
		Enabled        bool          `fig:"enabled"`
		Address        string        `fig:"address" default:"localhost:2947"`
		HighTimeout    time.Duration `fig:"high_timeout" default:"10s"`
		LowTimeout     time.Duration `fig:"low_timeout" default:"5s"`
		ReconnectDelay time.Duration `fig:"reconnect_delay" default:"30s"`
	} `fig:"gpsd"`

	Network struct {
		Enabled         bool          `fig:"enabled"`
		APIKey          string        `fig:"api_key"`
		Timeout         time.Duration `fig:"timeout" default:"10s"`
		MinAccessPoints int           `fig:"min_access_points" default:"2"`
	} `fig:"network"`

	Metrics struct {
		Enabled bool   `fig:"enabled"`
		Listen  string `fig:"listen" default:":9142"`
	} `fig:"metrics"`

	MQTT struct {
		Enabled     bool   `fig:"enabled"`
		Broker      string `fig:"broker" default:"localhost"`
		Port        int    `fig:"port" default:"1883"`
		ClientID    string `fig:"client_id" default:"locationd"`
		Username    string `fig:"username"`
		Password    string `fig:"password"`
		TopicPrefix string `fig:"topic_prefix" default:"locationd"`
		QoS         int    `fig:"qos" default:"1"`
		Retain      bool   `fig:"retain"`
	} `fig:"mqtt"`
}

// Load reads the configuration file at path. An empty path loads defaults
// and environment overrides only.
func Load(path string) (*Config, error) {
	conf := new(Config)
	// fig disallows default tags on bool fields, so true defaults are set
	// before decoding; file and env values still override them.
	conf.GPSD.Enabled = true
	conf.Metrics.Enabled = true
	conf.MQTT.Retain = true

	opts := []fig.Option{fig.UseEnv(configEnv)}
	if path == "" {
		opts = append(opts, fig.AllowNoFile())
	} else {
		opts = append(opts, fig.Dirs(filepath.Dir(path)), fig.File(filepath.Base(path)))
	}
	if err := fig.Load(conf, opts...); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return conf, conf.Validate()
}

func (c *Config) Validate() error {
	if c.Cache.FallbackTTL <= c.Cache.PrimaryTTL {
		return fmt.Errorf("fallback_ttl (%s) must exceed primary_ttl (%s)", c.Cache.FallbackTTL, c.Cache.PrimaryTTL)
	}
	if c.Resolution.GlobalTimeout <= 0 {
		return fmt.Errorf("global_timeout must be positive")
	}
	if c.Network.Enabled && c.Network.APIKey == "" {
		return fmt.Errorf("network positioning enabled without api_key")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	if c.Resolution.MovementThresholdM < 0 {
		return fmt.Errorf("movement_threshold_m must not be negative")
	}
	return nil
}
