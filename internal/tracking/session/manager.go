package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storeops/internal/tracking/models"
	"storeops/pkg/platform/sentinel"
)

// Manager owns the open sessions of the process and reaps idle ones.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	deps   Deps
	cfg    Config
	opts   []Option
	idle   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout sets how long an unwatched session may stay unused.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idle = d
	}
}

// WithSessionOptions applies opts to every session the manager opens.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.opts = append(m.opts, opts...)
	}
}

// WithManagerClock overrides time.Now for idle checks.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager validates deps once for every session it will open.
func NewManager(deps Deps, cfg Config, opts ...ManagerOption) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("record store is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("change bus is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		deps:     deps,
		cfg:      cfg,
		idle:     30 * time.Minute,
		now:      time.Now,
		logger:   deps.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open starts a session for actor over scope.
func (m *Manager) Open(actor string, scope models.ScopeFilter) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.mu.Unlock()

	s, err := Open(uuid.NewString(), actor, scope, m.deps, m.cfg, m.opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Close()
		return nil, ErrClosed
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns an open session owned by actor.
func (m *Manager) Get(id, actor string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Actor() != actor {
		return nil, sentinel.ErrNotFound
	}
	return s, nil
}

// Close closes one session owned by actor.
func (m *Manager) Close(id, actor string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Actor() != actor {
		m.mu.Unlock()
		return sentinel.ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()
	s.Close()
	return nil
}

// Len counts open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap closes sessions that nobody watches and that were not used within the
// idle timeout. It returns how many were closed.
func (m *Manager) Reap() int {
	cutoff := m.now().Add(-m.idle)
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.Watching() == 0 && s.IdleSince().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		m.logger.Info("reaped idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is cancelled, then closes every session.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.idle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return nil
		case <-ticker.C:
			m.Reap()
		}
	}
}

// CloseAll closes every session and rejects new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}
