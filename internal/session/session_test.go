package session

import (
	"errors"
	"testing"
	"time"

	"github.com/lovetwice1012/roundsync/internal/testutil/testlog"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	return NewManager(Config{TTL: ttl, SweepInterval: time.Hour}, testlog.New(t))
}

func TestHandshakeIssuesSession(t *testing.T) {
	m := newTestManager(t, time.Minute)
	sess, err := m.Handshake("client.alpha", "1", []string{"voting", "voting", " ", "overlay"})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if sess.ID == "" || sess.Identity != "client.alpha" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if len(sess.Capabilities) != 2 {
		t.Fatalf("capabilities not normalized: %v", sess.Capabilities)
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Fatalf("expiry not after creation: %+v", sess)
	}
	got, err := m.Lookup(sess.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Identity != "client.alpha" {
		t.Fatalf("unexpected lookup: %+v", got)
	}
}

func TestHandshakeRejectsMalformedIdentity(t *testing.T) {
	m := newTestManager(t, time.Minute)
	for _, identity := range []string{"", "  ", "has space", ".leadingdot", "way" + string(make([]byte, 80))} {
		if _, err := m.Handshake(identity, "1", nil); !errors.Is(err, ErrHandshakeRejected) {
			t.Fatalf("identity %q: got err=%v want ErrHandshakeRejected", identity, err)
		}
	}
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	m := newTestManager(t, time.Minute)
	if _, err := m.Handshake("client.alpha", "99", nil); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("got err=%v want ErrHandshakeRejected", err)
	}
}

func TestLookupExpired(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)
	sess, err := m.Handshake("client.alpha", "1", nil)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := m.Lookup(sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got err=%v want ErrSessionExpired", err)
	}
	// The expired row is dropped on lookup.
	if m.Count() != 0 {
		t.Fatalf("expired session retained, count=%d", m.Count())
	}
}

func TestRefreshExtendsWithoutChangingID(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)
	sess, err := m.Handshake("client.alpha", "1", nil)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	refreshed, err := m.Refresh(sess.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.ID != sess.ID {
		t.Fatalf("session id changed on refresh: %q != %q", refreshed.ID, sess.ID)
	}
	if !refreshed.ExpiresAt.After(sess.ExpiresAt) {
		t.Fatalf("expiry not extended: %v <= %v", refreshed.ExpiresAt, sess.ExpiresAt)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := m.Lookup(sess.ID); err != nil {
		t.Fatalf("session should survive past original expiry: %v", err)
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	m := newTestManager(t, time.Minute)
	sess, err := m.Handshake("client.alpha", "1", nil)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := m.Logout(sess.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := m.Lookup(sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got err=%v want ErrSessionExpired", err)
	}
	if err := m.Logout(sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("second logout: got err=%v want ErrSessionExpired", err)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	m := newTestManager(t, 10*time.Millisecond)
	if _, err := m.Handshake("client.alpha", "1", nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, err := m.Handshake("client.beta", "1", nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	m.sweep()
	if m.Count() != 0 {
		t.Fatalf("sweep left %d sessions", m.Count())
	}
}
