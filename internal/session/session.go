// Package session owns the handshake and session lifetime table.
//
// Ownership boundary:
// - auth.connect identity/version validation
// - session issuance, refresh, activity touch, logout
// - background expiry sweep
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	ErrSessionExpired    = errors.New("session: session expired")
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Session binds one client identity to a capability set for a bounded
// lifetime. Every call after auth.connect is looked up by SessionID.
type Session struct {
	ID           string
	Identity     string
	Capabilities []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type Config struct {
	TTL               time.Duration
	SweepInterval     time.Duration
	SupportedVersions []string
}

func DefaultConfig() Config {
	return Config{
		TTL:               30 * time.Minute,
		SweepInterval:     time.Minute,
		SupportedVersions: []string{"1"},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = def.SupportedVersions
	}
	return c
}

// Manager owns the session table. All access goes through its methods.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	byID map[string]*Session
}

func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:  cfg.WithDefaults(),
		log:  log.With().Str("component", "session").Logger(),
		byID: make(map[string]*Session),
	}
}

// Handshake validates the identity and protocol version and issues a
// fresh session.
func (m *Manager) Handshake(identity, version string, capabilities []string) (Session, error) {
	identity = strings.TrimSpace(identity)
	if !identityPattern.MatchString(identity) {
		return Session{}, fmt.Errorf("%w: malformed identity %q", ErrHandshakeRejected, identity)
	}
	if !m.versionSupported(version) {
		return Session{}, fmt.Errorf("%w: unsupported version %q", ErrHandshakeRejected, version)
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		Identity:     identity,
		Capabilities: normalizeCapabilities(capabilities),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.TTL),
	}
	m.mu.Lock()
	m.byID[sess.ID] = sess
	m.mu.Unlock()

	m.log.Info().
		Str("session_id", sess.ID).
		Str("identity", identity).
		Time("expires_at", sess.ExpiresAt).
		Msg("session issued")
	return *sess, nil
}

// Lookup resolves a session id and fails with ErrSessionExpired for
// unknown or lapsed sessions; the caller must re-handshake.
func (m *Manager) Lookup(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: unknown session", ErrSessionExpired)
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(m.byID, sessionID)
		return Session{}, ErrSessionExpired
	}
	return *sess, nil
}

// Touch extends the session on activity without changing its id.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return
	}
	sess.ExpiresAt = time.Now().Add(m.cfg.TTL)
}

// Refresh extends expires_at, keeping session_id stable.
func (m *Manager) Refresh(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok || time.Now().After(sess.ExpiresAt) {
		delete(m.byID, sessionID)
		return Session{}, ErrSessionExpired
	}
	sess.ExpiresAt = time.Now().Add(m.cfg.TTL)
	return *sess, nil
}

// Logout destroys the session immediately.
func (m *Manager) Logout(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[sessionID]; !ok {
		return fmt.Errorf("%w: unknown session", ErrSessionExpired)
	}
	delete(m.byID, sessionID)
	return nil
}

// Count reports live sessions for the admin plane.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Snapshot returns session copies sorted by creation time.
func (m *Manager) Snapshot() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.byID))
	for _, sess := range m.byID {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Run sweeps expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.byID {
		if now.After(sess.ExpiresAt) {
			delete(m.byID, id)
			m.log.Debug().Str("session_id", id).Str("identity", sess.Identity).Msg("session expired")
		}
	}
}

func (m *Manager) versionSupported(version string) bool {
	version = strings.TrimSpace(version)
	for _, v := range m.cfg.SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

func normalizeCapabilities(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
