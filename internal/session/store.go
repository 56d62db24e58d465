package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Factory builds the controller for a new session id.
type Factory func(id string) *Controller

// Store maps session ids to controllers and evicts idle ones.
type Store struct {
	ttl     time.Duration
	factory Factory
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewStore creates an empty store.
func NewStore(ttl time.Duration, factory Factory, logger *zap.Logger) *Store {
	return &Store{
		ttl:      ttl,
		factory:  factory,
		logger:   logger.Named("session_store"),
		sessions: make(map[string]*Controller),
	}
}

// Create starts a new session.
func (s *Store) Create() *Controller {
	id := uuid.NewString()
	c := s.factory(id)

	s.mu.Lock()
	s.sessions[id] = c
	s.mu.Unlock()

	s.logger.Debug("session created", zap.String("session_id", id))
	return c
}

// Get returns the controller for id.
func (s *Store) Get(id string) (*Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// GetOrCreate returns the controller for id, starting a fresh session when id
// is empty or unknown. created reports whether a new session was made.
func (s *Store) GetOrCreate(id string) (c *Controller, created bool) {
	if id != "" {
		if c, err := s.Get(id); err == nil {
			return c, false
		}
	}
	return s.Create(), true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle for longer than the ttl and returns how many were
// removed.
func (s *Store) Sweep(now time.Time) int {
	var evicted []*Controller

	s.mu.Lock()
	for id, c := range s.sessions {
		if now.Sub(c.idleSince()) > s.ttl {
			delete(s.sessions, id)
			evicted = append(evicted, c)
		}
	}
	s.mu.Unlock()

	for _, c := range evicted {
		c.Close()
	}
	if len(evicted) > 0 {
		s.logger.Info("evicted idle sessions", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Run sweeps on every tick until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Close shuts down every session.
func (s *Store) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Controller)
	s.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
}
