package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lovetwice1012/roundsync/internal/protocol"
)

// messageConn abstracts one client connection. The TCP listener and the
// websocket gateway both speak the same envelope protocol through it.
type messageConn interface {
	ReadEnvelope() (protocol.Envelope, error)
	WriteEnvelope(env protocol.Envelope) error
	RemoteAddr() string
	Close() error
}

// tcpConn frames envelopes as newline-delimited JSON over a raw socket.
type tcpConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func newTCPConn(conn net.Conn, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, protocol.MaxEnvelopeBytes),
		writeTimeout: writeTimeout,
	}
}

func (c *tcpConn) ReadEnvelope() (protocol.Envelope, error) {
	return protocol.ReadEnvelope(c.reader)
}

func (c *tcpConn) WriteEnvelope(env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err = c.conn.Write(payload)
	return err
}

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *tcpConn) Close() error       { return c.conn.Close() }

// wsConn frames one envelope per websocket text message.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	conn.SetReadLimit(protocol.MaxEnvelopeBytes)
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadEnvelope() (protocol.Envelope, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(payload)
}

func (c *wsConn) WriteEnvelope(env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *wsConn) Close() error       { return c.conn.Close() }
