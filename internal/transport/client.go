// Package transport is the client side of the newline-delimited JSON
// envelope protocol.
//
// Ownership boundary:
// - request/response correlation by monotonically increasing ids
// - stream fan-in to subscribed handlers, in arrival order
// - reconnect with exponential backoff and a fresh handshake
//
// A dropped connection fails every pending call with ErrConnectionLost;
// callers decide what to retry once the client reports connected again.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lovetwice1012/roundsync/internal/protocol"
)

var (
	ErrRequestTimeout = errors.New("transport: request timed out")
	ErrConnectionLost = errors.New("transport: connection lost")
	ErrDisconnected   = errors.New("transport: not connected")
	ErrClientClosed   = errors.New("transport: client closed")
)

// CallError carries a server-side error response: the call completed,
// the server rejected it with a stable code.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("transport: server error %s: %s", e.Code, e.Message)
}

// StreamHandler receives stream envelopes in arrival order. Handlers
// run on the read loop; long work belongs on the handler's own
// goroutine.
type StreamHandler func(env protocol.Envelope)

type pendingCall struct {
	ready chan struct{}
	env   protocol.Envelope
	err   error
}

// Client is one authenticated connection to a coordination server. It
// is safe for concurrent use; concurrent calls multiplex over the
// single connection via the pending table.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	addr string

	identity     string
	capabilities []string

	seq atomic.Uint64

	mu        sync.Mutex
	conn      net.Conn
	connReady chan struct{}
	pending   map[string]*pendingCall
	subs      map[int]StreamHandler
	nextSubID int
	sessionID  string
	closed     bool
	failed     bool
	connecting bool

	writeMu  sync.Mutex
	closedCh chan struct{}
}

// Dial connects, performs the auth.connect handshake, and starts the
// read loop. The returned client reconnects on its own after drops.
func Dial(ctx context.Context, addr, identity string, capabilities []string, cfg Config, log zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:          cfg.WithDefaults(),
		log:          log.With().Str("component", "transport").Str("identity", identity).Logger(),
		addr:         addr,
		identity:     identity,
		capabilities: capabilities,
		pending:      make(map[string]*pendingCall),
		subs:         make(map[int]StreamHandler),
		connReady:    make(chan struct{}),
		closedCh:     make(chan struct{}),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// SessionID reports the session issued by the most recent handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether a live connection is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// OnStream registers a handler for stream envelopes and returns its
// unsubscribe function. Handlers fire in registration order.
func (c *Client) OnStream(h StreamHandler) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Call sends a request and blocks until its response, the configured
// call timeout, a connection drop, or ctx cancellation. Calls issued
// while a reconnect is in flight queue behind its handshake.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	var id string
	var call *pendingCall
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClientClosed
		}
		if c.conn != nil {
			id = strconv.FormatUint(c.seq.Add(1), 10)
			call = &pendingCall{ready: make(chan struct{})}
			c.pending[id] = call
			c.mu.Unlock()
			break
		}
		if c.failed {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDisconnected, method)
		}
		connReady := c.connReady
		c.mu.Unlock()
		select {
		case <-connReady:
		case <-c.closedCh:
			return nil, ErrClientClosed
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s awaiting reconnect", ErrRequestTimeout, method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	env, err := protocol.NewRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	if err := c.send(env); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case <-call.ready:
		if call.err != nil {
			return nil, call.err
		}
		resp := call.env
		if resp.Status == protocol.StatusError {
			return nil, &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, c.cfg.CallTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Connect re-establishes a client that exhausted its reconnect
// attempts. A no-op when already connected; a concurrent attempt is
// waited on rather than duplicated.
func (c *Client) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClientClosed
		}
		if c.conn != nil {
			c.mu.Unlock()
			return nil
		}
		if !c.connecting {
			break
		}
		connReady := c.connReady
		c.mu.Unlock()
		select {
		case <-connReady:
		case <-c.closedCh:
			return ErrClientClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// mu is held; this goroutine owns the attempt.
	c.connecting = true
	c.failed = false
	c.connReady = make(chan struct{})
	c.mu.Unlock()

	err := c.dial(ctx)
	c.mu.Lock()
	c.connecting = false
	if err != nil && c.conn == nil && !c.closed {
		c.failed = true
		c.signalConnReady()
	}
	c.mu.Unlock()
	return err
}

// Close tears the connection down and fails pending calls. Safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	conn := c.conn
	c.conn = nil
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, call := range calls {
		call.err = ErrClientClosed
		close(call.ready)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.addr, err)
	}
	// The reader is created once and shared with the read loop so no
	// buffered bytes are lost between handshake and steady state.
	reader := bufio.NewReaderSize(conn, protocol.MaxEnvelopeBytes)
	result, err := c.handshake(conn, reader)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	if c.conn != nil {
		// A concurrent attempt won the race; keep its connection.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.sessionID = result.SessionID
	c.failed = false
	c.signalConnReady()
	c.mu.Unlock()

	c.log.Info().Str("session_id", result.SessionID).Str("addr", c.addr).Msg("connected")
	go c.readLoop(conn, reader)
	return nil
}

func (c *Client) handshake(conn net.Conn, reader *bufio.Reader) (protocol.ConnectResult, error) {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	env, err := protocol.NewRequest(id, protocol.MethodAuthConnect, protocol.ConnectParams{
		Identity:     c.identity,
		Version:      protocol.Version,
		Capabilities: c.capabilities,
	})
	if err != nil {
		return protocol.ConnectResult{}, err
	}
	payload, err := protocol.Encode(env)
	if err != nil {
		return protocol.ConnectResult{}, err
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return protocol.ConnectResult{}, err
	}
	if _, err := conn.Write(payload); err != nil {
		return protocol.ConnectResult{}, fmt.Errorf("transport: handshake write: %w", err)
	}

	for {
		resp, err := protocol.ReadEnvelope(reader)
		if err != nil {
			return protocol.ConnectResult{}, fmt.Errorf("transport: handshake read: %w", err)
		}
		if resp.Kind != protocol.KindResponse || resp.ID != id {
			c.log.Debug().Str("kind", string(resp.Kind)).Msg("dropping pre-handshake envelope")
			continue
		}
		if resp.Status == protocol.StatusError {
			return protocol.ConnectResult{}, &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		var result protocol.ConnectResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return protocol.ConnectResult{}, fmt.Errorf("transport: handshake result: %w", err)
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return protocol.ConnectResult{}, err
		}
		return result, nil
	}
}

func (c *Client) send(env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err = conn.Write(payload)
	return err
}

func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		env, err := protocol.ReadEnvelope(reader)
		if err != nil {
			if recoverableDecode(err) {
				c.log.Warn().Err(err).Msg("dropping malformed envelope")
				continue
			}
			c.handleDrop(conn, err)
			return
		}
		switch env.Kind {
		case protocol.KindResponse:
			c.resolve(env)
		case protocol.KindStream:
			c.dispatchStream(env)
		default:
			c.log.Warn().Str("kind", string(env.Kind)).Msg("dropping unexpected envelope kind")
		}
	}
}

// recoverableDecode reports whether a read error was a bad line rather
// than a broken connection.
func recoverableDecode(err error) bool {
	return errors.Is(err, protocol.ErrMalformedEnvelope) ||
		errors.Is(err, protocol.ErrEnvelopeTooLarge) ||
		errors.Is(err, protocol.ErrInvalidKind) ||
		errors.Is(err, protocol.ErrInvalidStatus) ||
		errors.Is(err, protocol.ErrMissingID) ||
		errors.Is(err, protocol.ErrMissingMethod) ||
		errors.Is(err, protocol.ErrMissingEvent)
}

func (c *Client) resolve(env protocol.Envelope) {
	c.mu.Lock()
	call, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Late response after timeout, or an id we never issued.
		c.log.Debug().Str("id", env.ID).Msg("dropping unmatched response")
		return
	}
	call.env = env
	close(call.ready)
}

func (c *Client) dispatchStream(env protocol.Envelope) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]StreamHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.subs[id])
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// signalConnReady wakes callers queued on the current connReady
// channel. Idempotent; c.mu must be held.
func (c *Client) signalConnReady() {
	select {
	case <-c.connReady:
	default:
		close(c.connReady)
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) handleDrop(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connReady = make(chan struct{})
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	conn.Close()
	for _, call := range calls {
		call.err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		close(call.ready)
	}
	if !errors.Is(cause, io.EOF) {
		c.log.Warn().Err(cause).Msg("connection dropped")
	} else {
		c.log.Info().Msg("connection closed by server")
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.log.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
			c.mu.Lock()
			if c.conn == nil && !c.closed {
				c.failed = true
			}
			// Wake queued callers so they observe the permanent state.
			c.signalConnReady()
			c.mu.Unlock()
			return
		}
		delay := c.cfg.Backoff.NextDelay(attempt, rng)
		select {
		case <-c.closedCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout+c.cfg.HandshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				return
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
			continue
		}
		return
	}
}
