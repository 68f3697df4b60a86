package gateway

import "sync"

type storedCredentials struct {
	user string
	pass string
}

// MemoryCredentialStore is an in-process CredentialStore. Deployments
// that persist credentials in an external HTTP-session store can plug in
// their own implementation; this one lives for the gateway's lifetime.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	entries map[string]storedCredentials
}

// NewMemoryCredentialStore creates an empty store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		entries: make(map[string]storedCredentials),
	}
}

// Get returns the credentials stored under id.
func (s *MemoryCredentialStore) Get(id string) (user, pass string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[id]
	return c.user, c.pass, ok
}

// Set stores credentials under id, replacing any previous ones.
func (s *MemoryCredentialStore) Set(id, user, pass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = storedCredentials{user: user, pass: pass}
}

// Clear removes the credentials stored under id.
func (s *MemoryCredentialStore) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}
