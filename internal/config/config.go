// Package config loads the daemon's TOML configuration and converts it
// into the runtime configs of each component.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lovetwice1012/roundsync/internal/instance"
	"github.com/lovetwice1012/roundsync/internal/server"
	"github.com/lovetwice1012/roundsync/internal/session"
	"github.com/lovetwice1012/roundsync/internal/transport"
	"github.com/lovetwice1012/roundsync/internal/voting"
)

// Duration parses TOML duration strings like "30s" and "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	ListenAddr                 string   `toml:"listen_addr"`
	AdminAddr                  string   `toml:"admin_addr"`
	CorsOrigins                []string `toml:"cors_origins"`
	WriteTimeout               Duration `toml:"write_timeout"`
	DropMembershipOnDisconnect bool     `toml:"drop_membership_on_disconnect"`

	Storage   StorageConfig   `toml:"storage"`
	Session   SessionConfig   `toml:"session"`
	Instance  InstanceConfig  `toml:"instance"`
	Voting    VotingConfig    `toml:"voting"`
	Transport TransportConfig `toml:"transport"`
}

type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type SessionConfig struct {
	TTL               Duration `toml:"ttl"`
	SweepInterval     Duration `toml:"sweep_interval"`
	SupportedVersions []string `toml:"supported_versions"`
}

type InstanceConfig struct {
	DefaultMaxMembers int `toml:"default_max_members"`
	MaxMembersLimit   int `toml:"max_members_limit"`
	DefaultListLimit  int `toml:"default_list_limit"`
}

type VotingConfig struct {
	DefaultDeadline Duration `toml:"default_deadline"`
	MinDeadline     Duration `toml:"min_deadline"`
	MaxDeadline     Duration `toml:"max_deadline"`
}

type TransportConfig struct {
	DialTimeout          Duration      `toml:"dial_timeout"`
	HandshakeTimeout     Duration      `toml:"handshake_timeout"`
	CallTimeout          Duration      `toml:"call_timeout"`
	WriteTimeout         Duration      `toml:"write_timeout"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	Backoff              BackoffConfig `toml:"backoff"`
}

type BackoffConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       bool     `toml:"jitter"`
}

// Default returns the built-in configuration: memory storage, TCP on
// :7420, admin plane disabled.
func Default() Config {
	srv := server.DefaultConfig()
	return Config{
		ListenAddr:                 srv.ListenAddr,
		WriteTimeout:               Duration{srv.WriteTimeout},
		DropMembershipOnDisconnect: srv.DropMembershipOnDisconnect,
		Storage:                    StorageConfig{Driver: "memory"},
		Session: SessionConfig{
			TTL:               Duration{srv.Session.TTL},
			SweepInterval:     Duration{srv.Session.SweepInterval},
			SupportedVersions: srv.Session.SupportedVersions,
		},
		Instance: InstanceConfig{
			DefaultMaxMembers: srv.Instance.DefaultMaxMembers,
			MaxMembersLimit:   srv.Instance.MaxMembersLimit,
			DefaultListLimit:  srv.Instance.DefaultListLimit,
		},
		Voting: VotingConfig{
			DefaultDeadline: Duration{srv.Voting.DefaultDeadline},
			MinDeadline:     Duration{srv.Voting.MinDeadline},
			MaxDeadline:     Duration{srv.Voting.MaxDeadline},
		},
		Transport: transportDefaults(),
	}
}

func transportDefaults() TransportConfig {
	def := transport.DefaultConfig()
	return TransportConfig{
		DialTimeout:          Duration{def.DialTimeout},
		HandshakeTimeout:     Duration{def.HandshakeTimeout},
		CallTimeout:          Duration{def.CallTimeout},
		WriteTimeout:         Duration{def.WriteTimeout},
		MaxReconnectAttempts: def.MaxReconnectAttempts,
		Backoff: BackoffConfig{
			InitialDelay: Duration{def.Backoff.InitialDelay},
			Multiplier:   def.Backoff.Multiplier,
			MaxDelay:     Duration{def.Backoff.MaxDelay},
			Jitter:       def.Backoff.Jitter,
		},
	}
}

// Load reads a TOML file over the defaults. A blank path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("config missing listen_addr")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("config storage.path required for sqlite driver")
		}
	default:
		return fmt.Errorf("config unknown storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Session.TTL.Duration < 0 {
		return fmt.Errorf("config session.ttl must not be negative")
	}
	if cfg.Voting.MinDeadline.Duration > 0 && cfg.Voting.MaxDeadline.Duration > 0 &&
		cfg.Voting.MinDeadline.Duration > cfg.Voting.MaxDeadline.Duration {
		return fmt.Errorf("config voting.min_deadline exceeds voting.max_deadline")
	}
	return nil
}

// ServerConfig converts the file shape into the server's runtime
// config.
func (c Config) ServerConfig() server.Config {
	return server.Config{
		ListenAddr:                 c.ListenAddr,
		AdminAddr:                  c.AdminAddr,
		CorsOrigins:                c.CorsOrigins,
		WriteTimeout:               c.WriteTimeout.Duration,
		DropMembershipOnDisconnect: c.DropMembershipOnDisconnect,
		Session: session.Config{
			TTL:               c.Session.TTL.Duration,
			SweepInterval:     c.Session.SweepInterval.Duration,
			SupportedVersions: c.Session.SupportedVersions,
		},
		Instance: instance.Config{
			DefaultMaxMembers: c.Instance.DefaultMaxMembers,
			MaxMembersLimit:   c.Instance.MaxMembersLimit,
			DefaultListLimit:  c.Instance.DefaultListLimit,
		},
		Voting: voting.Config{
			DefaultDeadline: c.Voting.DefaultDeadline.Duration,
			MinDeadline:     c.Voting.MinDeadline.Duration,
			MaxDeadline:     c.Voting.MaxDeadline.Duration,
		},
	}
}

// ClientConfig converts the file shape into the client runtime config
// used by votectl.
func (c Config) ClientConfig() transport.Config {
	return transport.Config{
		DialTimeout:          c.Transport.DialTimeout.Duration,
		HandshakeTimeout:     c.Transport.HandshakeTimeout.Duration,
		CallTimeout:          c.Transport.CallTimeout.Duration,
		WriteTimeout:         c.Transport.WriteTimeout.Duration,
		MaxReconnectAttempts: c.Transport.MaxReconnectAttempts,
		Backoff: transport.BackoffConfig{
			InitialDelay: c.Transport.Backoff.InitialDelay.Duration,
			Multiplier:   c.Transport.Backoff.Multiplier,
			MaxDelay:     c.Transport.Backoff.MaxDelay.Duration,
			Jitter:       c.Transport.Backoff.Jitter,
		},
	}
}
