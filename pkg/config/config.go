package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harshabose/camserver/pkg/pipeline"
)

const (
	Cam0Name = "/base/axi/pcie@1000120000/rp1/i2c@88000/imx477@1a"
	Cam1Name = "/base/axi/pcie@1000120000/rp1/i2c@80000/imx477@1a"

	RestreamURL     = "rtsp://192.168.144.25:8554/main.264"
	RestreamLatency = 100 * time.Millisecond
)

// Endpoint describes one mount. Exactly one of Launch, Camera or Restream is set.
type Endpoint struct {
	Path     string        `yaml:"path"`
	Launch   string        `yaml:"launch,omitempty"`
	Camera   string        `yaml:"camera,omitempty"`
	Restream string        `yaml:"restream,omitempty"`
	Latency  time.Duration `yaml:"latency,omitempty"`
	Shared   *bool         `yaml:"shared,omitempty"`
}

// LaunchString is the launch description the endpoint's factory is given.
func (e Endpoint) LaunchString() string {
	switch {
	case e.Launch != "":
		return e.Launch
	case e.Camera != "":
		return pipeline.CameraLaunch(e.Camera)
	case e.Restream != "":
		latency := e.Latency
		if latency == 0 {
			latency = RestreamLatency
		}
		return pipeline.RestreamLaunch(e.Restream, latency)
	default:
		return ""
	}
}

// IsShared defaults to true.
func (e Endpoint) IsShared() bool {
	return e.Shared == nil || *e.Shared
}

func (e Endpoint) validate() error {
	if !strings.HasPrefix(e.Path, "/") || len(e.Path) < 2 {
		return fmt.Errorf("endpoint path %q must start with / and name a stream", e.Path)
	}

	set := 0
	for _, v := range []string{e.Launch, e.Camera, e.Restream} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("endpoint %s needs exactly one of launch, camera or restream", e.Path)
	}

	// a bare yaml integer decodes as nanoseconds
	if e.Latency < 0 || (e.Latency > 0 && e.Latency < time.Millisecond) {
		return fmt.Errorf("endpoint %s latency %s must be at least 1ms, write it with a unit such as 100ms", e.Path, e.Latency)
	}

	return nil
}

func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Path: "/cam0", Camera: Cam0Name},
		{Path: "/cam1", Camera: Cam1Name},
		{Path: "/restream", Restream: RestreamURL, Latency: RestreamLatency},
	}
}

type LogConfig struct {
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"no_color"`
}

type PipelineConfig struct {
	Launcher  string              `yaml:"launcher"`
	Inspector string              `yaml:"inspector"`
	// element factory to accepted properties, for plugins the inspector cannot see
	Elements  map[string][]string `yaml:"elements"`
}

// RTSPConfig holds tuning knobs. The bind address and port are fixed and cannot
// be configured.
type RTSPConfig struct {
	IdleMediaTimeout     time.Duration `yaml:"idle_media_timeout"`
	MetricsPrintInterval time.Duration `yaml:"metrics_print_interval"`
}

type StatusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Port      uint16 `yaml:"port"`
	RateLimit int    `yaml:"rate_limit"`
	BurstSize int    `yaml:"burst_size"`
}

type Config struct {
	Endpoints []Endpoint     `yaml:"endpoints"`
	Log       LogConfig      `yaml:"log"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	RTSP      RTSPConfig     `yaml:"rtsp"`
	Status    StatusConfig   `yaml:"status"`
}

func DefaultConfig() *Config {
	c := &Config{}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints()
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Pipeline.Launcher == "" {
		c.Pipeline.Launcher = pipeline.DefaultLauncher
	}

	if c.Pipeline.Inspector == "" {
		c.Pipeline.Inspector = pipeline.DefaultInspector
	}

	if c.RTSP.IdleMediaTimeout == 0 {
		c.RTSP.IdleMediaTimeout = 60 * time.Second
	}
}

func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Endpoints))

	var errs []error
	for _, e := range c.Endpoints {
		if err := e.validate(); err != nil {
			errs = append(errs, err)
			continue
		}

		path := strings.TrimRight(e.Path, "/")
		if _, exists := seen[path]; exists {
			errs = append(errs, fmt.Errorf("duplicate endpoint path %s", path))
		}
		seen[path] = struct{}{}
	}

	for factory := range c.Pipeline.Elements {
		if factory == "" || strings.ContainsAny(factory, " \t!=/,") {
			errs = append(errs, fmt.Errorf("invalid element factory %q", factory))
		}
	}

	return errors.Join(errs...)
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}
