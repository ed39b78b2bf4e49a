package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrSessionExists  = errors.New("session already exists")
	ErrStateNotFound  = errors.New("session state not found")
	ErrInvalidSession = errors.New("session id is empty")
)

// Store is the in-memory session registry. Operations on independent thread
// ids are safe to call concurrently; turns on the same thread id are
// serialized through AcquireTurnSlot.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	slots    map[string]chan struct{}
	now      func() time.Time
}

type StoreOption func(*Store)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		slots:    make(map[string]chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GetOrCreate returns a snapshot of the session for threadID, creating it
// when absent. firstMessage seeds the display title of a new session.
func (s *Store) GetOrCreate(threadID, firstMessage string) (*Session, bool, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, false, ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[threadID]; ok {
		return sess.Clone(), false, nil
	}
	sess := NewSession(threadID, TitleFromMessage(firstMessage), s.now())
	s.sessions[threadID] = sess
	return sess.Clone(), true, nil
}

// Get returns a snapshot or ErrStateNotFound.
func (s *Store) Get(threadID string) (*Session, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, ErrInvalidSession
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[threadID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return sess.Clone(), nil
}

// Append records a completed turn together with the identity it produced and
// refreshes last-activity. The three mutations land atomically under the
// store lock so a session is never observed half-updated.
func (s *Store) Append(threadID string, turn Turn, identity Identity) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[threadID]
	if !ok {
		return ErrStateNotFound
	}
	sess.Turns = append(sess.Turns, turn)
	sess.Identity = identity
	sess.Touch(s.now())
	return nil
}

// List returns session snapshots ordered by last-activity descending, plus
// the total session count before pagination.
func (s *Store) List(limit, offset int) ([]*Session, int) {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActivity.After(all[j].LastActivity)
	})

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total
}

// Delete removes a session. ErrStateNotFound when absent.
func (s *Store) Delete(threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[threadID]; !ok {
		return ErrStateNotFound
	}
	delete(s.sessions, threadID)
	return nil
}

// EvictIdle drops sessions whose last activity is older than ttl and returns
// how many were removed.
func (s *Store) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// AcquireTurnSlot blocks until the caller holds the exclusive turn slot for
// threadID, or ctx is done. The returned release function must be called
// exactly once. Turns on distinct thread ids do not contend.
func (s *Store) AcquireTurnSlot(ctx context.Context, threadID string) (func(), error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, ErrInvalidSession
	}

	s.mu.Lock()
	slot, ok := s.slots[threadID]
	if !ok {
		slot = make(chan struct{}, 1)
		s.slots[threadID] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-slot })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
