package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roundsync.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadBlankPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7420" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage.driver = %q", cfg.Storage.Driver)
	}
	if cfg.Session.TTL.Duration != 30*time.Minute {
		t.Fatalf("session.ttl = %v", cfg.Session.TTL.Duration)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "127.0.0.1:9500"
admin_addr = "127.0.0.1:9501"
cors_origins = ["https://overlay.example"]
drop_membership_on_disconnect = true
write_timeout = "3s"

[storage]
driver = "sqlite"
path = "/tmp/roundsync.db"

[session]
ttl = "5m"
sweep_interval = "30s"
supported_versions = ["1"]

[voting]
default_deadline = "45s"
min_deadline = "2s"
max_deadline = "5m"

[transport]
call_timeout = "4s"

[transport.backoff]
initial_delay = "100ms"
multiplier = 1.5
max_delay = "2s"
jitter = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9500" || cfg.AdminAddr != "127.0.0.1:9501" {
		t.Fatalf("addresses not applied: %+v", cfg)
	}
	if cfg.Session.TTL.Duration != 5*time.Minute {
		t.Fatalf("session.ttl = %v", cfg.Session.TTL.Duration)
	}
	if cfg.Voting.DefaultDeadline.Duration != 45*time.Second {
		t.Fatalf("voting.default_deadline = %v", cfg.Voting.DefaultDeadline.Duration)
	}
	if cfg.Transport.Backoff.InitialDelay.Duration != 100*time.Millisecond {
		t.Fatalf("backoff.initial_delay = %v", cfg.Transport.Backoff.InitialDelay.Duration)
	}

	srv := cfg.ServerConfig()
	if srv.ListenAddr != "127.0.0.1:9500" || !srv.DropMembershipOnDisconnect {
		t.Fatalf("server config: %+v", srv)
	}
	if srv.Voting.MinDeadline != 2*time.Second {
		t.Fatalf("server voting config: %+v", srv.Voting)
	}
	client := cfg.ClientConfig()
	if client.CallTimeout != 4*time.Second || client.Backoff.Multiplier != 1.5 {
		t.Fatalf("client config: %+v", client)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[session]
ttl = "not-a-duration"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateSQLiteNeedsPath(t *testing.T) {
	path := writeConfig(t, `
[storage]
driver = "sqlite"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
[storage]
driver = "etcd"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateDeadlineBounds(t *testing.T) {
	path := writeConfig(t, `
[voting]
min_deadline = "10m"
max_deadline = "1s"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected load error")
	}
}
