// Package config loads the locator service configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"locator-go/fusion"
	"locator-go/store"
)

type Config struct {
	HTTP    HTTPConfig      `yaml:"http"`
	UDP     UDPConfig       `yaml:"udp"`
	Store   StoreConfig     `yaml:"store"`
	Locate  LocateConfig    `yaml:"locate"`
	Forward []ForwardTarget `yaml:"forward"`
	// Capture is the CSV reading log path; empty disables capture.
	Capture string    `yaml:"capture"`
	Log     LogConfig `yaml:"log"`
	// Venues is an optional venues file seeded into the store at startup.
	Venues string `yaml:"venues"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	StaticDir      string   `yaml:"static_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type UDPConfig struct {
	// Addr is the reading listener; empty disables it.
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver    string      `yaml:"driver"`
	Redis     RedisConfig `yaml:"redis"`
	Retention int         `yaml:"retention"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LocateConfig struct {
	Damping            float64 `yaml:"damping"`
	GradientDifference float64 `yaml:"gradient_difference"`
	MaxIterations      int     `yaml:"max_iterations"`
	ErrorTolerance     float64 `yaml:"error_tolerance"`
	MinAnchors         int     `yaml:"min_anchors"`
	ReadingBufferSize  int     `yaml:"reading_buffer_size"`
	// FilterByVenue additionally restricts readings to the requested venue name.
	FilterByVenue bool `yaml:"filter_by_venue"`
}

// ForwardTarget is an rbc consumer; Network is "udp" or "tcp".
type ForwardTarget struct {
	Network string `yaml:"network"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://127.0.0.1:5173",
			},
		},
		UDP: UDPConfig{Addr: ":44333"},
		Store: StoreConfig{
			Driver:    DriverMemory,
			Redis:     RedisConfig{Addr: "localhost:6379", Prefix: "locator:"},
			Retention: store.DefaultRetention,
		},
		Locate: LocateConfig{
			Damping:            fusion.DefaultDamping,
			GradientDifference: fusion.DefaultGradientDifference,
			MaxIterations:      fusion.DefaultMaxIterations,
			ErrorTolerance:     fusion.DefaultErrorTolerance,
			MinAnchors:         fusion.DefaultMinAnchors,
			ReadingBufferSize:  fusion.DefaultReadingBufferSize,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// JSON files parse as YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	for _, f := range c.Forward {
		if f.Network != "udp" && f.Network != "tcp" {
			return fmt.Errorf("forward target %s: unknown network %q", f.Addr, f.Network)
		}
		if f.Addr == "" {
			return fmt.Errorf("forward target: empty address")
		}
	}
	return c.LocatorConfig().Validate()
}

// LocatorConfig maps the locate section onto the fusion tunables.
func (c Config) LocatorConfig() fusion.LocatorConfig {
	lc := fusion.DefaultLocatorConfig()
	lc.Solver.Damping = c.Locate.Damping
	lc.Solver.GradientDifference = c.Locate.GradientDifference
	lc.Solver.MaxIterations = c.Locate.MaxIterations
	lc.Solver.ErrorTolerance = c.Locate.ErrorTolerance
	lc.MinAnchors = c.Locate.MinAnchors
	lc.ReadingBufferSize = c.Locate.ReadingBufferSize
	return lc
}
