// Package server hosts the coordination endpoint: the TCP listener,
// the websocket gateway, request dispatch, and the admin plane.
//
// Ownership boundary:
// - connection lifecycle and handshake gating
// - method routing with stable wire error codes
// - instance fan-out through the hub
// - disconnect cleanup (membership drop, campaign teardown)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lovetwice1012/roundsync/internal/instance"
	"github.com/lovetwice1012/roundsync/internal/observability"
	"github.com/lovetwice1012/roundsync/internal/protocol"
	"github.com/lovetwice1012/roundsync/internal/session"
	"github.com/lovetwice1012/roundsync/internal/store"
	"github.com/lovetwice1012/roundsync/internal/voting"
)

// Config defines coordination endpoint behavior.
type Config struct {
	ListenAddr                 string
	AdminAddr                  string
	CorsOrigins                []string
	WriteTimeout               time.Duration
	DropMembershipOnDisconnect bool

	Session  session.Config
	Instance instance.Config
	Voting   voting.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:                 ":7420",
		AdminAddr:                  "",
		WriteTimeout:               10 * time.Second,
		DropMembershipOnDisconnect: true,
		Session:                    session.DefaultConfig(),
		Instance:                   instance.DefaultConfig(),
		Voting:                     voting.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	c.Session = c.Session.WithDefaults()
	c.Instance = c.Instance.WithDefaults()
	c.Voting = c.Voting.WithDefaults()
	return c
}

// client is one connection's server-side state. The session binds at
// handshake and gates every later call.
type client struct {
	conn messageConn

	mu     sync.Mutex
	sess   session.Session
	authed bool
}

func (c *client) session() (session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.authed
}

func (c *client) bind(sess session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = sess
	c.authed = true
}

func (c *client) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = false
}

// Service wires the session manager, instance registry, voting
// coordinator, and hub behind one listener.
type Service struct {
	cfg Config
	log zerolog.Logger

	sessions *session.Manager
	registry *instance.Registry
	voting   *voting.Coordinator
	hub      *Hub
	st       store.Store

	mu sync.Mutex
	ln net.Listener
}

func NewService(cfg Config, st store.Store, log zerolog.Logger) *Service {
	cfg = cfg.WithDefaults()
	hub := NewHub(log)
	registry := instance.NewRegistry(cfg.Instance, st, hub, log)
	coordinator := voting.NewCoordinator(cfg.Voting, registry, st, hub, log)
	return &Service{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		sessions: session.NewManager(cfg.Session, log),
		registry: registry,
		voting:   coordinator,
		hub:      hub,
		st:       st,
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then waits for
// per-connection goroutines to drain.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.sessions.Run(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
		s.hub.CloseAll()
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("coordination endpoint listening")

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, newTCPConn(conn, s.cfg.WriteTimeout))
		}()
	}
	wg.Wait()
	return nil
}

// Addr reports the bound listener address.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// handleConn drives one connection: read, dispatch, respond, until the
// peer goes away. Malformed lines are answered or dropped without
// tearing the connection down.
func (s *Service) handleConn(ctx context.Context, mc messageConn) {
	c := &client{conn: mc}
	s.hub.Register(c)
	observability.ClientConnected()
	defer observability.ClientDisconnected()
	defer s.cleanup(ctx, c)
	defer mc.Close()

	s.log.Debug().Str("remote", mc.RemoteAddr()).Msg("connection opened")
	for {
		env, err := mc.ReadEnvelope()
		if err != nil {
			if recoverableDecode(err) {
				s.log.Warn().Err(err).Str("remote", mc.RemoteAddr()).Msg("dropping malformed envelope")
				continue
			}
			s.log.Debug().Err(err).Str("remote", mc.RemoteAddr()).Msg("connection closed")
			return
		}
		if env.Kind != protocol.KindRequest {
			s.log.Warn().Str("kind", string(env.Kind)).Str("remote", mc.RemoteAddr()).Msg("dropping non-request envelope")
			continue
		}
		resp := s.dispatch(ctx, c, env)
		if err := mc.WriteEnvelope(resp); err != nil {
			s.log.Debug().Err(err).Str("remote", mc.RemoteAddr()).Msg("response write failed")
			return
		}
	}
}

// recoverableDecode reports whether a read error was a bad line rather
// than a dead connection.
func recoverableDecode(err error) bool {
	return errors.Is(err, protocol.ErrMalformedEnvelope) ||
		errors.Is(err, protocol.ErrEnvelopeTooLarge) ||
		errors.Is(err, protocol.ErrInvalidKind) ||
		errors.Is(err, protocol.ErrInvalidStatus) ||
		errors.Is(err, protocol.ErrMissingID) ||
		errors.Is(err, protocol.ErrMissingMethod) ||
		errors.Is(err, protocol.ErrMissingEvent)
}

// cleanup runs when a connection goes away for any reason. Membership
// drop is configurable; torn-down instances cascade into the voting
// coordinator and the hub.
func (s *Service) cleanup(ctx context.Context, c *client) {
	attached := s.hub.Unregister(c)
	sess, authed := c.session()
	if !authed {
		return
	}
	if !s.cfg.DropMembershipOnDisconnect {
		s.log.Debug().Str("identity", sess.Identity).Int("attached", len(attached)).Msg("disconnect, memberships retained")
		return
	}
	torndown := s.registry.DropIdentity(ctx, sess.Identity)
	for _, instanceID := range torndown {
		s.voting.InstanceDeleted(instanceID)
		s.hub.DropInstance(instanceID)
	}
	s.log.Info().
		Str("identity", sess.Identity).
		Int("memberships_dropped", len(attached)).
		Int("instances_torndown", len(torndown)).
		Msg("disconnect cleanup")
}
