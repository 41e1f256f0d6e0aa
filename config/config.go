// Package config loads gateway configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full gateway configuration.
	Config struct {
		// Addr is the listen address, host:port.
		Addr string `yaml:"addr"`
		// Debug enables debug log level and the pprof handlers.
		Debug bool `yaml:"debug"`
		// SpecPath points at the OpenAPI document the registry is built from.
		SpecPath string `yaml:"spec"`

		Auth        Auth        `yaml:"auth"`
		Stream      Stream      `yaml:"stream"`
		Duplex      Duplex      `yaml:"duplex"`
		Connections Connections `yaml:"connections"`
	}

	// Auth selects and configures the credential gate.
	Auth struct {
		// Mode is one of bearer, apikey or introspection.
		Mode string `yaml:"mode"`
		// Secret is the HMAC key for bearer mode.
		Secret string `yaml:"secret"`
		// Keys are the accepted credentials for apikey mode.
		Keys []APIKey `yaml:"keys"`
		// IntrospectionURL is the RFC 7662 endpoint for introspection mode.
		IntrospectionURL string `yaml:"introspectionUrl"`
		// RedisAddr enables the introspection result cache when set.
		RedisAddr string `yaml:"redisAddr"`
	}

	// APIKey is one static credential.
	APIKey struct {
		Key     string   `yaml:"key"`
		Subject string   `yaml:"subject"`
		Scopes  []string `yaml:"scopes"`
	}

	// Stream tunes session event queues.
	Stream struct {
		// Buffer is the per-session event queue depth.
		Buffer int `yaml:"buffer"`
	}

	// Duplex tunes the WebSocket transport.
	Duplex struct {
		PingInterval Duration `yaml:"pingInterval"`
		WriteTimeout Duration `yaml:"writeTimeout"`
		FrameRate    float64  `yaml:"frameRate"`
		FrameBurst   int      `yaml:"frameBurst"`
	}

	// Connections tunes liveness tracking.
	Connections struct {
		Timeout       Duration `yaml:"timeout"`
		SweepInterval Duration `yaml:"sweepInterval"`
	}

	// Duration decodes YAML strings like "90s" or "2m".
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration defaults. Zero durations and counts
// mean the package-level defaults of the consuming component apply.
func Default() Config {
	return Config{
		Addr: ":8080",
		Auth: Auth{Mode: "bearer"},
	}
}

// Load reads the file at path when non-empty, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TOOLGATE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("TOOLGATE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("TOOLGATE_SPEC"); v != "" {
		c.SpecPath = v
	}
	if v := os.Getenv("TOOLGATE_AUTH_MODE"); v != "" {
		c.Auth.Mode = v
	}
	if v := os.Getenv("TOOLGATE_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("TOOLGATE_INTROSPECTION_URL"); v != "" {
		c.Auth.IntrospectionURL = v
	}
	if v := os.Getenv("TOOLGATE_REDIS_ADDR"); v != "" {
		c.Auth.RedisAddr = v
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.SpecPath == "" {
		return fmt.Errorf("spec is required")
	}
	switch c.Auth.Mode {
	case "bearer":
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is required in bearer mode")
		}
	case "apikey":
		if len(c.Auth.Keys) == 0 {
			return fmt.Errorf("auth.keys is required in apikey mode")
		}
		for i, k := range c.Auth.Keys {
			if k.Key == "" || k.Subject == "" {
				return fmt.Errorf("auth.keys[%d]: key and subject are required", i)
			}
		}
	case "introspection":
		if c.Auth.IntrospectionURL == "" {
			return fmt.Errorf("auth.introspectionUrl is required in introspection mode")
		}
	default:
		return fmt.Errorf("auth.mode must be bearer, apikey or introspection, got %q", c.Auth.Mode)
	}
	if c.Stream.Buffer < 0 {
		return fmt.Errorf("stream.buffer must not be negative")
	}
	if c.Duplex.FrameRate < 0 {
		return fmt.Errorf("duplex.frameRate must not be negative")
	}
	if c.Connections.Timeout < 0 || c.Connections.SweepInterval < 0 {
		return fmt.Errorf("connections timings must not be negative")
	}
	return nil
}
