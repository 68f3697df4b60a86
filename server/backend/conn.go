// Package backend maintains connections to the judging server. Each
// connection owns one TLS socket: sends are serialized through a mutex
// and a single receive goroutine blocks on the socket, dispatching
// decoded messages to an injected Handler. Connections never reconnect
// on their own; a dropped connection is re-established lazily by the
// session registry on the next request that needs one.
package backend

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openjudge/judgegw/consts"
	"github.com/openjudge/judgegw/logger"
	"github.com/openjudge/judgegw/pkg/metrics"
	"github.com/openjudge/judgegw/protocol"
)

// Handler receives traffic pushed by the judging server. Both methods
// are called from the connection's receive goroutine and are handed the
// connection they were registered on.
type Handler interface {
	// HandleMessage is called for every decoded message.
	HandleMessage(c *Conn, m *protocol.Message)

	// ConnectionReset is called once when the connection fails
	// unexpectedly. The connection is torn down afterwards.
	ConnectionReset(c *Conn)
}

// Conn is one live connection to the judging server.
type Conn struct {
	socket net.Conn

	sendMu sync.Mutex
	enc    *protocol.Encoder

	handler     Handler
	terminating atomic.Bool
	closeOnce   sync.Once
	done        chan struct{}
}

// Connect dials the judging server and performs the TLS handshake. The
// judging server requires exactly TLS 1.2; other protocol versions cause
// problems, so the handshake is pinned to it. On any failure the socket
// is fully torn down before the error is returned.
//
// On success exactly one receive goroutine is started for the returned
// connection.
func Connect(addr string, tlsVerify bool, connectTimeout time.Duration, handler Handler) (*Conn, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !tlsVerify,
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	socket, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		// DialWithDialer closes the raw socket on handshake failure,
		// so nothing is left half-open here.
		metrics.BackendConnectAttempts.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to connect to backend %s: %w", addr, err)
	}

	metrics.BackendConnectAttempts.WithLabelValues("success").Inc()
	metrics.BackendConnectionsCurrent.Inc()
	logger.Debug("Connected to backend", "addr", addr, "local", socket.LocalAddr().String())

	c := &Conn{
		socket:  socket,
		enc:     protocol.NewEncoder(socket),
		handler: handler,
		done:    make(chan struct{}),
	}
	go c.receiveLoop()

	return c, nil
}

// Send encodes and writes one message. Concurrent callers are
// serialized so one message's header and body bytes are never
// interleaved with another's. Safe to call while the receive goroutine
// is blocked reading.
func (c *Conn) Send(m *protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.terminating.Load() {
		return consts.ErrConnClosed
	}
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("failed to send %q message: %w", m.Name(), err)
	}
	metrics.MessagesSentTotal.Inc()
	return nil
}

// Close tears the connection down. It is idempotent and safe to call
// from any goroutine, including the receive goroutine itself. Closing
// the socket unblocks the pending read, which terminates the receive
// goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.terminating.Store(true)
		err = c.socket.Close()
		metrics.BackendConnectionsCurrent.Dec()
	})
	return err
}

// Done is closed once the receive goroutine has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// receiveLoop decodes messages until termination is requested or
// decoding fails. An unexpected failure notifies the handler of the
// reset and then closes the socket best-effort; a failure caused by a
// requested Close is swallowed.
func (c *Conn) receiveLoop() {
	defer close(c.done)

	dec := protocol.NewDecoder(c.socket)
	for {
		m, err := dec.Decode()
		if err != nil {
			if !c.terminating.Load() {
				logger.Warn("Backend receive failed, terminating connection", "error", err)
				metrics.BackendResetsTotal.Inc()
				c.handler.ConnectionReset(c)
				c.Close()
			}
			return
		}
		metrics.MessagesReceivedTotal.Inc()
		c.handler.HandleMessage(c, m)
	}
}
