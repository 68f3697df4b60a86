package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openjudge/judgegw/protocol"
	"github.com/openjudge/judgegw/server/uploadstage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn stands in for a backend connection.
type fakeConn struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	closed  bool
	sendErr error
}

func (c *fakeConn) Send(m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentMessages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// countingConnector hands out fakeConns and counts connection attempts.
type countingConnector struct {
	mu       sync.Mutex
	attempts int
	conns    map[string]*fakeConn
	err      error
}

func newCountingConnector() *countingConnector {
	return &countingConnector{conns: make(map[string]*fakeConn)}
}

func (cc *countingConnector) connect(sess *Session) (Conn, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.attempts++
	if cc.err != nil {
		return nil, cc.err
	}
	conn := &fakeConn{}
	cc.conns[sess.ID()] = conn
	return conn, nil
}

func (cc *countingConnector) attemptCount() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.attempts
}

type delivery struct {
	sessionID string
	channel   string
	payload   any
}

type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (d *fakeDeliverer) Deliver(sessionID, channel string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, delivery{sessionID, channel, payload})
}

func (d *fakeDeliverer) all() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.deliveries...)
}

func (d *fakeDeliverer) lastNotification(t *testing.T) Notification {
	t.Helper()
	for i := len(d.deliveries) - 1; i >= 0; i-- {
		if n, ok := d.deliveries[i].payload.(Notification); ok {
			return n
		}
	}
	t.Fatal("no notification delivered")
	return Notification{}
}

type testEnv struct {
	svc       *Service
	connector *countingConnector
	deliverer *fakeDeliverer
	uploads   *uploadstage.Store
	creds     *MemoryCredentialStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	uploads := uploadstage.NewStore(time.Hour, time.Hour)
	t.Cleanup(func() { uploads.Stop(context.Background()) })

	env := &testEnv{
		connector: newCountingConnector(),
		deliverer: &fakeDeliverer{},
		uploads:   uploads,
		creds:     NewMemoryCredentialStore(),
	}
	env.svc = newServiceWithConnector(Options{
		Uploads:     uploads,
		Credentials: env.creds,
		Deliverer:   env.deliverer,
	}, env.connector.connect)
	return env
}

// login authenticates a session and commits the credentials as a
// backend ok reply would.
func (env *testEnv) login(t *testing.T, sessionID, externalID, user, pass string) {
	t.Helper()
	env.svc.HandleRequest(sessionID, externalID, Request{
		Name:    "auth",
		Headers: map[string]string{"user": user, "pass": pass},
	})
	sess := env.svc.Registry().Resolve(sessionID)
	sess.commitPendingCredentials(env.svc.creds)
}

func str(s string) *string { return &s }

func TestResolveIsLazy(t *testing.T) {
	env := newTestEnv(t)

	sess := env.svc.Registry().Resolve("c1")
	require.NotNil(t, sess)
	assert.Equal(t, "c1", sess.ID())
	assert.Equal(t, 0, env.connector.attemptCount(), "Resolve must not open a connection")

	// Resolving again returns the same session without connecting.
	assert.Same(t, sess, env.svc.Registry().Resolve("c1"))
	assert.Equal(t, 0, env.connector.attemptCount())
}

func TestAuthWithExplicitCredentials(t *testing.T) {
	env := newTestEnv(t)

	env.svc.HandleRequest("c1", "ext1", Request{
		Name:    "auth",
		Headers: map[string]string{"user": "alice", "pass": "s3cret"},
	})

	require.Equal(t, 1, env.connector.attemptCount())
	conn := env.connector.conns["c1"]
	require.Len(t, conn.sentMessages(), 1)
	m := conn.sentMessages()[0]
	assert.Equal(t, "auth", m.Name())
	assert.Equal(t, "alice", m.Header("user"))
	assert.Equal(t, "s3cret", m.Header("pass"))

	// Credentials are not cached until the backend confirms.
	sess := env.svc.Registry().Resolve("c1")
	_, _, cached := sess.Credentials()
	assert.False(t, cached)
	if _, _, ok := env.creds.Get("ext1"); ok {
		t.Error("external store populated before backend confirmed login")
	}

	// Backend ok commits to both caches.
	sess.commitPendingCredentials(env.svc.creds)
	user, pass, ok := sess.Credentials()
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "s3cret", pass)
	user, pass, ok = env.creds.Get("ext1")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "s3cret", pass)
}

func TestAuthFailureLeavesCachedCredentialsUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "c1", "ext1", "alice", "oldpass")

	// A new explicit login that the backend rejects.
	env.svc.HandleRequest("c1", "ext1", Request{
		Name:    "auth",
		Headers: map[string]string{"user": "alice", "pass": "wrong"},
	})
	sess := env.svc.Registry().Resolve("c1")
	sess.dropPendingCredentials()

	user, pass, ok := sess.Credentials()
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "oldpass", pass)
}

func TestAutoLoginWithoutCachedCredentialsIsSilent(t *testing.T) {
	env := newTestEnv(t)

	env.svc.HandleRequest("c1", "ext1", Request{
		Name:    "auth",
		Headers: map[string]string{},
	})

	// No backend load, and the failure is delivered with an empty
	// message so the client shows nothing.
	assert.Equal(t, 0, env.connector.attemptCount())
	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "err", n.Name)
	assert.Equal(t, "", n.Headers["msg"])
}

func TestAutoLoginUsesExternalStore(t *testing.T) {
	env := newTestEnv(t)
	env.creds.Set("ext1", "alice", "s3cret")

	env.svc.HandleRequest("c1", "ext1", Request{
		Name:    "auth",
		Headers: map[string]string{},
	})

	require.Equal(t, 1, env.connector.attemptCount())
	conn := env.connector.conns["c1"]
	require.Len(t, conn.sentMessages(), 1)
	assert.Equal(t, "alice", conn.sentMessages()[0].Header("user"))
	assert.Equal(t, "s3cret", conn.sentMessages()[0].Header("pass"))
}

func TestRelayRequiresConnection(t *testing.T) {
	env := newTestEnv(t)

	env.svc.HandleRequest("c1", "", Request{
		Name:    "standings",
		Headers: map[string]string{"contest": "1"},
	})

	require.Equal(t, 1, env.connector.attemptCount())
	conn := env.connector.conns["c1"]
	require.Len(t, conn.sentMessages(), 1)
	m := conn.sentMessages()[0]
	assert.Equal(t, "standings", m.Name())
	assert.Equal(t, "1", m.Header("contest"))
	assert.Nil(t, m.Body())

	// The connection is reused for the next request.
	env.svc.HandleRequest("c1", "", Request{Name: "clarifications", Headers: map[string]string{}})
	assert.Equal(t, 1, env.connector.attemptCount())
	assert.Len(t, conn.sentMessages(), 2)
}

func TestRelayWithInlineContent(t *testing.T) {
	env := newTestEnv(t)

	env.svc.HandleRequest("c1", "", Request{
		Name:    "submit",
		Headers: map[string]string{"prob_id": "2"},
		Content: str("inline source"),
	})

	conn := env.connector.conns["c1"]
	require.Len(t, conn.sentMessages(), 1)
	assert.Equal(t, []byte("inline source"), conn.sentMessages()[0].Body())
}

func TestSubmitWithStagedUpload(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "c1", "", "alice", "s3cret")

	key, err := env.uploads.Stage("alice", "sol.cpp", []byte("staged source"))
	require.NoError(t, err)

	env.svc.HandleRequest("c1", "", Request{
		Name:    "submit",
		Headers: map[string]string{"prob_id": "2"},
		FileKey: key,
	})

	conn := env.connector.conns["c1"]
	msgs := conn.sentMessages()
	require.Len(t, msgs, 2) // auth, then submit
	assert.Equal(t, "submit", msgs[1].Name())
	assert.Equal(t, []byte("staged source"), msgs[1].Body())

	// The upload was consumed.
	assert.Equal(t, 0, env.uploads.Len())
}

func TestSubmitWithMissingUploadReportsError(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "c1", "", "alice", "s3cret")
	before := env.connector.attemptCount()

	env.svc.HandleRequest("c1", "", Request{
		Name:    "submit",
		Headers: map[string]string{},
		FileKey: "no-such-key",
	})

	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "err", n.Name)
	assert.Contains(t, n.Headers["msg"], "no-such-key")
	// Not a connection-level fault: no reconnect happened.
	assert.Equal(t, before, env.connector.attemptCount())
}

func TestSubmitCannotTakeAnotherUsersUpload(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "c1", "", "alice", "s3cret")
	env.login(t, "c2", "", "bob", "hunter2")

	key, err := env.uploads.Stage("alice", "sol.cpp", []byte("alice's source"))
	require.NoError(t, err)

	// Bob references Alice's key: behaves exactly like a missing key.
	env.svc.HandleRequest("c2", "", Request{
		Name:    "submit",
		Headers: map[string]string{},
		FileKey: key,
	})

	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "err", n.Name)
	assert.Equal(t, 1, env.uploads.Len(), "upload must survive the failed grab")
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "c1", "ext1", "alice", "s3cret")
	conn := env.connector.conns["c1"]

	env.svc.HandleRequest("c1", "ext1", Request{Name: "logout", Headers: map[string]string{}})

	assert.True(t, conn.isClosed())
	sess := env.svc.Registry().Resolve("c1")
	_, _, ok := sess.Credentials()
	assert.False(t, ok, "session credentials survived logout")
	if _, _, ok := env.creds.Get("ext1"); ok {
		t.Error("external credentials survived logout")
	}

	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "ok", n.Name)

	// Logout is acknowledged locally; nothing was sent to the backend.
	assert.Len(t, conn.sentMessages(), 1) // just the original auth
}

func TestLogoutWithoutConnection(t *testing.T) {
	env := newTestEnv(t)

	env.svc.HandleRequest("c1", "", Request{Name: "logout", Headers: map[string]string{}})

	assert.Equal(t, 0, env.connector.attemptCount())
	assert.Equal(t, "ok", env.deliverer.lastNotification(t).Name)
}

func TestReservedHeaderRejected(t *testing.T) {
	env := newTestEnv(t)

	env.svc.HandleRequest("c1", "", Request{
		Name:    "submit",
		Headers: map[string]string{"content-length": "99"},
	})

	assert.Equal(t, 0, env.connector.attemptCount())
	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "err", n.Name)
	assert.Contains(t, n.Headers["msg"], "reserved")
}

func TestConnectFailureReported(t *testing.T) {
	env := newTestEnv(t)
	env.connector.err = errors.New("connection refused")

	env.svc.HandleRequest("c1", "", Request{Name: "standings", Headers: map[string]string{}})

	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "err", n.Name)
	assert.Contains(t, n.Headers["msg"], "connection")
}

func TestSendFailureReported(t *testing.T) {
	env := newTestEnv(t)
	env.svc.HandleRequest("c1", "", Request{Name: "standings", Headers: map[string]string{}})
	env.connector.conns["c1"].sendErr = errors.New("broken pipe")

	env.svc.HandleRequest("c1", "", Request{Name: "standings", Headers: map[string]string{}})

	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "err", n.Name)
	assert.Contains(t, n.Headers["msg"], "sending")
}

func TestSessionIsolation(t *testing.T) {
	env := newTestEnv(t)

	env.svc.HandleRequest("c1", "", Request{Name: "standings", Headers: map[string]string{}})
	env.svc.HandleRequest("c2", "", Request{Name: "standings", Headers: map[string]string{}})

	conn1 := env.connector.conns["c1"]
	conn2 := env.connector.conns["c2"]
	require.NotNil(t, conn1)
	require.NotNil(t, conn2)
	assert.NotSame(t, conn1, conn2, "sessions must not share a connection")

	env.svc.Registry().OnSessionRemoved("c1")
	assert.True(t, conn1.isClosed())
	assert.False(t, conn2.isClosed(), "closing one session's connection affected another")
	assert.Equal(t, 1, env.svc.Registry().Len())

	// The removed id gets a fresh session and a fresh connection.
	env.svc.HandleRequest("c1", "", Request{Name: "standings", Headers: map[string]string{}})
	assert.Equal(t, 3, env.connector.attemptCount())
}

func TestBridgeRelaysBackendMessages(t *testing.T) {
	env := newTestEnv(t)
	sess := env.svc.Registry().Resolve("c1")
	bridge := &clientBridge{svc: env.svc, sess: sess}

	pushed := protocol.New("standings")
	require.NoError(t, pushed.SetHeader("row", "1"))
	pushed.SetBody([]byte("alice 3 120"))
	bridge.HandleMessage(nil, pushed)

	n := env.deliverer.lastNotification(t)
	assert.Equal(t, "standings", n.Name)
	assert.Equal(t, "1", n.Headers["row"])
	assert.Equal(t, []byte("alice 3 120"), n.Content)
}

func TestBridgeResolvesPendingCredentials(t *testing.T) {
	env := newTestEnv(t)
	sess := env.svc.Registry().Resolve("c1")
	bridge := &clientBridge{svc: env.svc, sess: sess}

	// ok commits.
	sess.setPendingCredentials("alice", "s3cret", "ext1")
	bridge.HandleMessage(nil, protocol.New("ok"))
	_, _, ok := sess.Credentials()
	assert.True(t, ok)

	// err drops without touching the committed ones.
	sess.setPendingCredentials("alice", "other", "ext1")
	bridge.HandleMessage(nil, protocol.New("err"))
	_, pass, ok := sess.Credentials()
	require.True(t, ok)
	assert.Equal(t, "s3cret", pass)
}

func TestBridgeConnectionReset(t *testing.T) {
	env := newTestEnv(t)
	sess := env.svc.Registry().Resolve("c1")
	bridge := &clientBridge{svc: env.svc, sess: sess}

	bridge.ConnectionReset(nil)

	var sawLog, sawReset bool
	for _, d := range env.deliverer.all() {
		if d.channel == LogChannel {
			sawLog = true
		}
		if n, ok := d.payload.(Notification); ok && n.Name == "connectionreset" {
			sawReset = true
			assert.Equal(t, ServiceChannel, d.channel)
		}
	}
	assert.True(t, sawLog, "reset did not forward a log line")
	assert.True(t, sawReset, "reset notification missing")
}
