// Package config loads the YAML configuration shared by the serve and invoke commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"

	"platform-channel/channel"
	"platform-channel/codec"
	"platform-channel/loadbalance"
	"platform-channel/platform"
)

// Duration is a time.Duration written as a Go duration string ("3s") in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Codec      string           `yaml:"codec"`
	Registry   RegistryConfig   `yaml:"registry"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Client     ClientConfig     `yaml:"client"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	Advertise       string   `yaml:"advertise"`
	Channel         string   `yaml:"channel"`
	Weight          int      `yaml:"weight"`
	Version         string   `yaml:"version"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	// Kind is "memory" (single host, no discovery) or "etcd".
	Kind        string   `yaml:"kind"`
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dial_timeout"`
	TTL         int64    `yaml:"ttl"`
}

type MiddlewareConfig struct {
	Timeout   Duration        `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"` // calls per second, 0 disables
	Burst int     `yaml:"burst"`
}

type RetryConfig struct {
	Max       int      `yaml:"max"` // 0 disables
	BaseDelay Duration `yaml:"base_delay"`
}

type ClientConfig struct {
	Balancer   string   `yaml:"balancer"`
	PoolSize   int      `yaml:"pool_size"`
	MinVersion string   `yaml:"min_version"`
	Timeout    Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration for a single local host.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:7070",
			Channel:         platform.ChannelName,
			Weight:          1,
			Version:         "1.0.0",
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Codec: "json",
		Registry: RegistryConfig{
			Kind:        "memory",
			DialTimeout: Duration(5 * time.Second),
			TTL:         10,
		},
		Middleware: MiddlewareConfig{
			Timeout: Duration(3 * time.Second),
			Retry:   RetryConfig{BaseDelay: Duration(50 * time.Millisecond)},
		},
		Client: ClientConfig{
			Balancer: "round_robin",
			PoolSize: 4,
			Timeout:  Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is an error; an empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// AdvertiseAddr is the address published to the registry.
func (c *Config) AdvertiseAddr() string {
	if c.Server.Advertise != "" {
		return c.Server.Advertise
	}
	return c.Server.Listen
}

// CodecType resolves the configured codec name.
func (c *Config) CodecType() codec.CodecType {
	ct, _ := codec.ParseCodecType(c.Codec)
	return ct
}

// MinVersion parses client.min_version, nil when unset.
func (c *Config) MinVersion() *semver.Version {
	if c.Client.MinVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(c.Client.MinVersion)
	if err != nil {
		return nil
	}
	return v
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if !channel.ValidName(c.Server.Channel) {
		errs = append(errs, fmt.Errorf("server.channel %q is not a valid channel name", c.Server.Channel))
	}
	if c.Server.Version != "" {
		if _, err := semver.NewVersion(c.Server.Version); err != nil {
			errs = append(errs, fmt.Errorf("server.version: %w", err))
		}
	}
	if _, ok := codec.ParseCodecType(c.Codec); !ok {
		errs = append(errs, fmt.Errorf("codec %q must be json or binary", c.Codec))
	}
	switch c.Registry.Kind {
	case "memory":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.endpoints is required for etcd"))
		}
		if c.Registry.TTL <= 0 {
			errs = append(errs, errors.New("registry.ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.kind %q must be memory or etcd", c.Registry.Kind))
	}
	if c.Middleware.RateLimit.Rate < 0 || (c.Middleware.RateLimit.Rate > 0 && c.Middleware.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("middleware.rate_limit needs a non-negative rate and a positive burst"))
	}
	if c.Middleware.Retry.Max < 0 {
		errs = append(errs, errors.New("middleware.retry.max must not be negative"))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	if c.Client.PoolSize <= 0 {
		errs = append(errs, errors.New("client.pool_size must be positive"))
	}
	if c.Client.MinVersion != "" {
		if _, err := semver.NewVersion(c.Client.MinVersion); err != nil {
			errs = append(errs, fmt.Errorf("client.min_version: %w", err))
		}
	}
	return errors.Join(errs...)
}
