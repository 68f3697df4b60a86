package gateway

import (
	"time"

	"github.com/openjudge/judgegw/helpers"
	"github.com/openjudge/judgegw/logger"
	"github.com/openjudge/judgegw/pkg/metrics"
	"github.com/openjudge/judgegw/protocol"
	"github.com/openjudge/judgegw/server/backend"
	"github.com/openjudge/judgegw/server/uploadstage"
)

// Channels on which the gateway delivers to clients.
const (
	ServiceChannel = "/service/judge"
	LogChannel     = "/service/log"
)

// Request is one inbound client request as handed over by the pub/sub
// transport.
type Request struct {
	Name    string            `json:"name"`
	Headers map[string]string `json:"headers"`
	Content *string           `json:"content,omitempty"`
	FileKey string            `json:"file_key,omitempty"`
}

// Notification is one client-bound message.
type Notification struct {
	Name    string            `json:"name"`
	Headers map[string]string `json:"headers"`
	Content []byte            `json:"content,omitempty"`
}

// Deliverer pushes payloads to a client session. Implemented by the
// pub/sub transport.
type Deliverer interface {
	Deliver(sessionID, channel string, payload any)
}

// CredentialStore persists cached credentials across client-session
// churn, keyed by an opaque external identifier. Implemented by the
// HTTP-session collaborator; see MemoryCredentialStore.
type CredentialStore interface {
	Get(id string) (user, pass string, ok bool)
	Set(id, user, pass string)
	Clear(id string)
}

// Options holds the collaborators and backend settings of a Service.
type Options struct {
	BackendAddr    string
	TLSVerify      bool
	ConnectTimeout time.Duration

	Uploads     *uploadstage.Store
	Credentials CredentialStore
	Deliverer   Deliverer
}

// Service is the gateway facade: one HandleRequest call per inbound
// client request.
type Service struct {
	backendAddr    string
	tlsVerify      bool
	connectTimeout time.Duration

	registry  *Registry
	uploads   *uploadstage.Store
	creds     CredentialStore
	deliverer Deliverer
}

// NewService creates the facade and its session registry.
func NewService(opts Options) *Service {
	s := &Service{
		backendAddr:    opts.BackendAddr,
		tlsVerify:      opts.TLSVerify,
		connectTimeout: opts.ConnectTimeout,
		uploads:        opts.Uploads,
		creds:          opts.Credentials,
		deliverer:      opts.Deliverer,
	}
	s.registry = NewRegistry(s.connectBackend)
	return s
}

// newServiceWithConnector is the test seam for substituting the backend.
func newServiceWithConnector(opts Options, connect Connector) *Service {
	s := NewService(opts)
	s.registry = NewRegistry(connect)
	return s
}

// Registry exposes the session registry so the transport's lifecycle
// hooks can be wired to it.
func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) connectBackend(sess *Session) (Conn, error) {
	return backend.Connect(s.backendAddr, s.tlsVerify, s.connectTimeout, &clientBridge{svc: s, sess: sess})
}

// HandleRequest dispatches one client request. sessionID is the client
// session as tracked by the pub/sub transport; externalID is the opaque
// key of the persistent credential store for this client (may be empty
// when no persistent store is available).
func (s *Service) HandleRequest(sessionID, externalID string, req Request) {
	logger.Info("Received command", "session_id", sessionID, "name", req.Name, "with_content", req.Content != nil)

	m := protocol.New(req.Name)
	for key, value := range req.Headers {
		if err := m.SetHeader(key, value); err != nil {
			s.sendError(sessionID, "Header "+key+" is reserved.")
			return
		}
		logger.Info("Request header", "session_id", sessionID, "key", key, "value", helpers.MaskHeaderValue(key, value))
	}
	if req.Content != nil {
		m.SetBody([]byte(*req.Content))
	}

	var sess *Session

	// Special handling for logins, so that cached credentials can be
	// used for auto-login.
	if req.Name == "auth" {
		user := req.Headers["user"]
		pass := req.Headers["pass"]

		if user == "" || pass == "" {
			// Auto-login with cached credentials.
			var ok bool
			user, pass, ok = s.lookupCachedCredentials(sessionID, externalID)
			if !ok {
				// No cached credentials anywhere: give up without
				// surfacing an error in the client, and without
				// touching the backend.
				s.sendError(sessionID, "")
				return
			}
			if err := m.SetHeader("user", user); err != nil {
				s.sendError(sessionID, "Error building login message.")
				return
			}
			if err := m.SetHeader("pass", pass); err != nil {
				s.sendError(sessionID, "Error building login message.")
				return
			}
		}

		// Only resolve the session once the checks above have passed,
		// so merely showing the login page never causes a backend
		// connection.
		sess = s.registry.Resolve(sessionID)
		sess.setPendingCredentials(user, pass, externalID)
	}

	if sess == nil {
		sess = s.registry.Resolve(sessionID)
	}

	// Special handling for submissions staged out-of-band: if the
	// request has no inline content, fetch it from the upload stage.
	if req.Name == "submit" && req.Content == nil {
		logger.Info("Querying for staged upload", "session_id", sessionID, "key", req.FileKey)
		data, err := s.uploads.Take(sess.User(), req.FileKey)
		if err != nil {
			s.sendError(sessionID, "Unable to find submission file data for key "+req.FileKey)
			return
		}
		m.SetBody(data)
	}

	if req.Name == "logout" {
		sess.disconnect()
		sess.clearCredentials()
		if externalID != "" && s.creds != nil {
			s.creds.Clear(externalID)
		}
		s.sendOk(sessionID)
		return
	}

	conn, err := s.registry.EnsureConnected(sess)
	if err != nil {
		logger.Warn("Failed to connect to judge server", "session_id", sessionID, "error", err)
		s.sendError(sessionID, "Error obtaining connection to judge server.")
		return
	}

	if err := conn.Send(m); err != nil {
		logger.Warn("Failed to send message to judge server", "session_id", sessionID, "name", m.Name(), "error", err)
		s.sendError(sessionID, "Error sending message to judge server.")
	}
}

// lookupCachedCredentials prefers the session's own cache, then the
// external store.
func (s *Service) lookupCachedCredentials(sessionID, externalID string) (string, string, bool) {
	sess := s.registry.Resolve(sessionID)
	if user, pass, ok := sess.Credentials(); ok {
		return user, pass, true
	}
	if externalID != "" && s.creds != nil {
		if user, pass, ok := s.creds.Get(externalID); ok {
			return user, pass, true
		}
	}
	return "", "", false
}

func (s *Service) deliver(sessionID string, n Notification) {
	metrics.NotificationsDeliveredTotal.WithLabelValues(n.Name).Inc()
	s.deliverer.Deliver(sessionID, ServiceChannel, n)
}

// sendError delivers an err notification. An empty message is the
// silent failure used when auto-login finds no cached credentials.
func (s *Service) sendError(sessionID, msg string) {
	s.deliver(sessionID, Notification{
		Name:    "err",
		Headers: map[string]string{"msg": msg},
	})
}

// sendOk delivers an ok notification.
func (s *Service) sendOk(sessionID string) {
	s.deliver(sessionID, Notification{
		Name:    "ok",
		Headers: map[string]string{},
	})
}

// clientBridge receives backend traffic for one session and turns it
// into client-bound notifications.
type clientBridge struct {
	svc  *Service
	sess *Session
}

// HandleMessage relays a backend-pushed message to the client. Backend
// replies also resolve any authenticate round-trip in flight: ok commits
// the pending credentials, err drops them.
func (b *clientBridge) HandleMessage(_ *backend.Conn, m *protocol.Message) {
	switch m.Name() {
	case "ok":
		b.sess.commitPendingCredentials(b.svc.creds)
	case "err":
		b.sess.dropPendingCredentials()
	}

	b.svc.deliver(b.sess.ID(), Notification{
		Name:    m.Name(),
		Headers: m.Headers(),
		Content: m.Body(),
	})
}

// ConnectionReset tells the client to re-authenticate and detaches the
// dead connection so the next request reconnects.
func (b *clientBridge) ConnectionReset(c *backend.Conn) {
	b.sess.detach(c)
	b.svc.deliverer.Deliver(b.sess.ID(), LogChannel, "Connection to judge server lost.")
	b.svc.deliver(b.sess.ID(), Notification{
		Name:    "connectionreset",
		Headers: map[string]string{},
	})
}
