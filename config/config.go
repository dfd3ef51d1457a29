package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/streamweave/outbound/lib"
)

// Config is the file configuration of an outbound-driving process.
type Config struct {
	LogLevel    string         `yaml:"logLevel"`
	MetricsAddr string         `yaml:"metricsAddr"`
	Outbound    OutboundConfig `yaml:"outbound"`
}

// OutboundConfig carries the recognized outbound options. Timeouts and
// delays are in seconds; zero disables the corresponding timer.
type OutboundConfig struct {
	Protocol        string  `yaml:"protocol"`
	ConnectTimeout  float64 `yaml:"connectTimeout"`
	ReadTimeout     float64 `yaml:"readTimeout"`
	WriteTimeout    float64 `yaml:"writeTimeout"`
	IdleTimeout     float64 `yaml:"idleTimeout"`
	RetryCount      int     `yaml:"retryCount"`
	RetryDelay      float64 `yaml:"retryDelay"`
	MaxPacketSize   int     `yaml:"maxPacketSize"`
	KeepAlive       bool    `yaml:"keepAlive"`
	CongestionLimit int64   `yaml:"congestionLimit"`
}

// AppConfig is the process-wide configuration loaded by ReadConfig.
var AppConfig *Config

// DefaultConfig returns the explicit defaults for every field.
func DefaultConfig() *Config {
	opts := lib.DefaultOptions()
	return &Config{
		LogLevel:    "info",
		MetricsAddr: "",
		Outbound: OutboundConfig{
			Protocol:        "tcp",
			ConnectTimeout:  0,
			ReadTimeout:     0,
			WriteTimeout:    0,
			IdleTimeout:     0,
			RetryCount:      opts.RetryCount,
			RetryDelay:      0,
			MaxPacketSize:   opts.MaxPacketSize,
			KeepAlive:       opts.KeepAlive,
			CongestionLimit: opts.CongestionLimit,
		},
	}
}

// ReadConfig loads path over the defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	if _, err := cfg.Outbound.Options(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level parses the configured log level.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("logLevel %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Apply installs the configured log level on the library logger.
func (c *Config) Apply() error {
	lvl, err := c.Level()
	if err != nil {
		return err
	}
	lib.SetLogger(zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger())
	return nil
}

// Options converts the file form into lib.Options.
func (c *OutboundConfig) Options() (*lib.Options, error) {
	opts := lib.DefaultOptions()
	switch c.Protocol {
	case "", "tcp", "TCP":
		opts.Protocol = lib.TCP
	case "udp", "UDP":
		opts.Protocol = lib.UDP
	default:
		return nil, fmt.Errorf("unknown protocol %q", c.Protocol)
	}
	for _, v := range []float64{c.ConnectTimeout, c.ReadTimeout, c.WriteTimeout, c.IdleTimeout, c.RetryDelay} {
		if v < 0 {
			return nil, fmt.Errorf("timeouts and delays must be >= 0, got %g", v)
		}
	}
	opts.ConnectTimeout = seconds(c.ConnectTimeout)
	opts.ReadTimeout = seconds(c.ReadTimeout)
	opts.WriteTimeout = seconds(c.WriteTimeout)
	opts.IdleTimeout = seconds(c.IdleTimeout)
	opts.RetryCount = c.RetryCount
	opts.RetryDelay = seconds(c.RetryDelay)
	if c.MaxPacketSize > 0 {
		opts.MaxPacketSize = c.MaxPacketSize
	}
	opts.KeepAlive = c.KeepAlive
	if c.CongestionLimit < 0 {
		return nil, fmt.Errorf("congestionLimit must be >= 0, got %d", c.CongestionLimit)
	}
	opts.CongestionLimit = c.CongestionLimit
	return opts, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
