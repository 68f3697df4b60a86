// Package uploadstage holds file submissions uploaded out-of-band until
// a later protocol message references them. Entries are keyed by
// unguessable one-time keys, visible only to the user that staged them,
// and swept after a fixed retention window.
package uploadstage

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/openjudge/judgegw/consts"
	"github.com/openjudge/judgegw/logger"
	"github.com/openjudge/judgegw/pkg/metrics"
)

// keyBits is the entropy of a staging key. The key is rendered in
// base 32, giving a 26 character token.
const keyBits = 130

var maxKey = new(big.Int).Lsh(big.NewInt(1), keyBits)

type entry struct {
	user     string
	filename string
	data     []byte
	stagedAt time.Time
}

// Store is the keyed, expiring blob store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	retention     time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepStopped  chan struct{}
}

// NewStore creates a store and starts its background sweep goroutine.
func NewStore(retention, sweepInterval time.Duration) *Store {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	s := &Store{
		entries:       make(map[string]*entry),
		retention:     retention,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		sweepStopped:  make(chan struct{}),
	}
	go s.sweepLoop()

	logger.Info("UploadStage: Initialized", "retention", retention, "sweep_interval", sweepInterval)
	return s
}

// Stage inserts a blob for the given user and returns its key. The key
// is drawn from a CSPRNG and redrawn until it is unused in the store.
func (s *Store) Stage(user, filename string, data []byte) (string, error) {
	e := &entry{
		user:     user,
		filename: filename,
		data:     data,
		stagedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		n, err := rand.Int(rand.Reader, maxKey)
		if err != nil {
			return "", fmt.Errorf("failed to generate upload key: %w", err)
		}
		key := n.Text(32)
		if _, taken := s.entries[key]; taken {
			continue
		}
		s.entries[key] = e
		metrics.UploadsStagedTotal.Inc()
		metrics.UploadsStagedCurrent.Set(float64(len(s.entries)))
		logger.Info("UploadStage: Staged upload", "key", key, "user", user, "filename", filename, "size", len(data))
		return key, nil
	}
}

// Take returns and consumes the blob under key, but only for the user
// that staged it. A wrong user behaves exactly like a missing key so
// existence is never leaked. A second Take of the same key misses.
func (s *Store) Take(user, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, consts.ErrUploadNotFound
	}
	if e.user != user {
		logger.Info("UploadStage: Not returning upload owned by another user", "key", key, "user", user)
		return nil, consts.ErrUploadNotFound
	}

	delete(s.entries, key)
	metrics.UploadsStagedCurrent.Set(float64(len(s.entries)))
	logger.Info("UploadStage: Returning upload", "key", key, "size", len(e.data))
	return e.data, nil
}

// Remove deletes the blob under key if the requesting user owns it.
// Anything else is a no-op, so a non-owner learns nothing.
func (s *Store) Remove(user, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		logger.Info("UploadStage: Ignoring remove for unknown key", "key", key, "user", user)
		return
	}
	if e.user != user {
		logger.Info("UploadStage: Ignoring remove by non-owner", "key", key, "user", user)
		return
	}

	delete(s.entries, key)
	metrics.UploadsStagedCurrent.Set(float64(len(s.entries)))
	logger.Info("UploadStage: Removed upload at owner's request", "key", key)
}

// Len returns the number of staged uploads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sweepLoop periodically removes entries older than the retention window.
func (s *Store) sweepLoop() {
	defer close(s.sweepStopped)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if e.stagedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
			logger.Info("UploadStage: Removed expired upload", "key", key, "user", e.user)
		}
	}

	if removed > 0 {
		metrics.UploadsExpiredTotal.Add(float64(removed))
		metrics.UploadsStagedCurrent.Set(float64(len(s.entries)))
	}
}

// Stop stops the sweep goroutine.
func (s *Store) Stop(ctx context.Context) error {
	close(s.stopSweep)

	select {
	case <-s.sweepStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
