// Package gateway multiplexes client sessions onto backend connections
// and translates between client requests and the judging server's
// framed protocol.
package gateway

import (
	"sync"
	"time"

	"github.com/openjudge/judgegw/logger"
	"github.com/openjudge/judgegw/pkg/metrics"
	"github.com/openjudge/judgegw/protocol"
)

// Conn is the slice of a backend connection the registry needs.
// *backend.Conn implements it.
type Conn interface {
	Send(m *protocol.Message) error
	Close() error
}

// Connector opens a backend connection on behalf of a session. The
// registry calls it lazily, on the first request that actually needs
// the backend.
type Connector func(sess *Session) (Conn, error)

// Session is the unit of multiplexing: one per client-session id, owning
// at most one backend connection plus the credentials cached for it.
type Session struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	conn     Conn
	username string
	password string

	// Credentials for an authenticate round-trip still in flight.
	// Committed when the backend answers ok, dropped on err.
	pendingUser string
	pendingPass string
	pendingExt  string
}

// ID returns the client-session identifier.
func (s *Session) ID() string {
	return s.id
}

// User returns the authenticated username, or "" before authentication.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Credentials returns the cached credentials, if any.
func (s *Session) Credentials() (user, pass string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.password, s.username != "" && s.password != ""
}

// ensureConnected opens a backend connection if none is held. It blocks
// the calling goroutine through the TLS handshake; the per-session lock
// means one session's connect never delays another session.
func (s *Session) ensureConnected(connect Connector) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := connect(s)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// setPendingCredentials records credentials awaiting backend
// confirmation, along with the external store id to persist them under.
func (s *Session) setPendingCredentials(user, pass, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingUser = user
	s.pendingPass = pass
	s.pendingExt = externalID
}

// commitPendingCredentials caches the pending credentials on the session
// and in the external store. No-op when nothing is pending.
func (s *Session) commitPendingCredentials(store CredentialStore) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingUser == "" {
		return
	}
	s.username = s.pendingUser
	s.password = s.pendingPass
	if s.pendingExt != "" && store != nil {
		store.Set(s.pendingExt, s.pendingUser, s.pendingPass)
	}
	logger.Info("Cached credentials after successful login", "session_id", s.id, "user", s.username)
	s.pendingUser = ""
	s.pendingPass = ""
	s.pendingExt = ""
}

// dropPendingCredentials discards credentials whose authenticate
// round-trip failed; anything already cached stays untouched.
func (s *Session) dropPendingCredentials() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingUser = ""
	s.pendingPass = ""
	s.pendingExt = ""
}

// clearCredentials forgets the cached credentials.
func (s *Session) clearCredentials() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = ""
	s.password = ""
	s.pendingUser = ""
	s.pendingPass = ""
	s.pendingExt = ""
}

// disconnect closes and forgets the backend connection. Close errors are
// swallowed; the next request that needs the backend reconnects.
func (s *Session) disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("Error closing backend connection", "session_id", s.id, "error", err)
		}
	}
}

// detach forgets the given connection without closing it. Called from
// the receive goroutine after a reset, where the connection is already
// tearing itself down. Forgetting only the matching connection keeps a
// racing reconnect from being thrown away.
func (s *Session) detach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

// Registry owns the mapping from client-session identifiers to Sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	connect  Connector
}

// NewRegistry creates a registry using the given connector for lazy
// backend connection establishment.
func NewRegistry(connect Connector) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		connect:  connect,
	}
}

// Resolve returns the session for id, creating it if needed. Creation
// never opens a backend connection.
func (r *Registry) Resolve(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		sess = &Session{id: id, createdAt: time.Now()}
		r.sessions[id] = sess
		metrics.SessionsCurrent.Set(float64(len(r.sessions)))
		logger.Debug("Created session", "session_id", id)
	}
	return sess
}

// EnsureConnected opens the session's backend connection if none exists.
func (r *Registry) EnsureConnected(sess *Session) (Conn, error) {
	return sess.ensureConnected(r.connect)
}

// OnSessionRemoved is invoked by the client transport's own lifecycle
// when a client session goes away. The backend connection is closed and
// the mapping discarded.
func (r *Registry) OnSessionRemoved(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		metrics.SessionsCurrent.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if ok {
		sess.disconnect()
		logger.Debug("Removed session", "session_id", id)
	}
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown disconnects every session. Used at gateway shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	metrics.SessionsCurrent.Set(0)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.disconnect()
	}
}
