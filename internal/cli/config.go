package cli

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig declares one service this peer exposes to its peers.
type ServiceConfig struct {
	// Selector is the service name streams are routed by.
	Selector string `mapstructure:"selector"`

	// Type is the handler kind: "echo", "tcp", or "socks".
	Type string `mapstructure:"type"`

	// Target is the "host:port" a tcp service forwards to. Ignored by
	// other types.
	Target string `mapstructure:"target"`
}

// BindingConfig declares one local TCP listener wired to a peer service.
type BindingConfig struct {
	Listen     string `mapstructure:"listen"`
	Selector   string `mapstructure:"selector"`
	TunnelHint string `mapstructure:"tunnel_hint"`
}

// Config is the daemon's file configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// Listen is the QUIC listen address ("host:port"). Empty means this
	// peer only dials.
	Listen string `mapstructure:"listen"`

	// Peers are addresses to dial and keep dialed.
	Peers []string `mapstructure:"peers"`

	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// TrustAnchorFile holds PEM CA certificates to validate peers
	// against. Empty means the public WebPKI root store is used.
	TrustAnchorFile string `mapstructure:"trust_anchor_file"`

	Services []ServiceConfig `mapstructure:"services"`
	Bindings []BindingConfig `mapstructure:"bindings"`

	// StatusAddr serves the HTTP status endpoint. Empty disables it.
	StatusAddr string `mapstructure:"status_addr"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`

	// Debug enables request logging on the status endpoint.
	Debug bool `mapstructure:"debug"`
}

// LoadConfig reads the configuration from path, or from the default
// search locations when path is empty. Settings may be overridden with
// SNOCAT_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("snocat")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/snocat")
		v.AddConfigPath("$HOME/.snocat")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("SNOCAT")
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("handshake_timeout", 30*time.Second)
	v.SetDefault("drain_timeout", 10*time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file are required")
	}
	if c.Listen == "" && len(c.Peers) == 0 {
		return fmt.Errorf("at least one of listen and peers is required")
	}
	for i, svc := range c.Services {
		if svc.Selector == "" {
			return fmt.Errorf("services[%d]: selector is required", i)
		}
		switch svc.Type {
		case "echo", "socks":
		case "tcp":
			if svc.Target == "" {
				return fmt.Errorf("services[%d] (%s): target is required for tcp", i, svc.Selector)
			}
		default:
			return fmt.Errorf("services[%d] (%s): unknown type %q", i, svc.Selector, svc.Type)
		}
	}
	for i, b := range c.Bindings {
		if b.Listen == "" || b.Selector == "" {
			return fmt.Errorf("bindings[%d]: listen and selector are required", i)
		}
	}
	return nil
}
