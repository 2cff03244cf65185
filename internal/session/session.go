// Package session maintains a pool of reusable crawl sessions with usage
// caps and error scoring, retiring sessions the target site has burned.
package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is one reusable identity (cookies, tokens, proxy binding live in
// UserData). It is retired once its usage cap or error budget is exhausted.
type Session struct {
	ID        string
	CreatedAt time.Time
	UserData  map[string]any

	mu         sync.Mutex
	useCount   int
	errorScore float64
	retired    bool

	maxUsage      int
	maxErrorScore float64
}

// MarkGood rewards the session after a successful request, decaying its
// error score toward zero.
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorScore > 0 {
		s.errorScore -= 0.5
		if s.errorScore < 0 {
			s.errorScore = 0
		}
	}
}

// MarkBad penalizes the session after a client-classified failure.
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore++
}

// Retire removes the session from circulation permanently.
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
}

// Usable reports whether the session may serve another request.
func (s *Session) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.retired && s.useCount < s.maxUsage && s.errorScore < s.maxErrorScore
}

// UseCount returns how many requests the session has served.
func (s *Session) UseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

func (s *Session) use() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useCount++
}

// Config bounds the pool.
type Config struct {
	MaxPoolSize   int
	MaxUsageCount int
	MaxErrorScore float64
	Logger        *zap.Logger
}

const (
	defaultMaxPoolSize   = 1000
	defaultMaxUsageCount = 50
	defaultMaxErrorScore = 3
)

// Pool hands out usable sessions, creating new ones while below capacity and
// evicting retired or exhausted ones lazily.
type Pool struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions []*Session
}

// NewPool builds a session pool.
func NewPool(cfg Config) *Pool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = defaultMaxPoolSize
	}
	if cfg.MaxUsageCount <= 0 {
		cfg.MaxUsageCount = defaultMaxUsageCount
	}
	if cfg.MaxErrorScore <= 0 {
		cfg.MaxErrorScore = defaultMaxErrorScore
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{cfg: cfg, log: log}
}

// Get returns a usable session, preferring an existing one at random so load
// spreads across identities. Its use count is incremented.
func (p *Pool) Get() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictLocked()

	if len(p.sessions) > 0 {
		// Random pick over round-robin: keeps per-session request patterns
		// from looking mechanical to the target.
		s := p.sessions[rand.Intn(len(p.sessions))]
		if s.Usable() {
			s.use()
			return s
		}
	}

	s := p.newSessionLocked()
	s.use()
	return s
}

// Size returns the number of live sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked()
	return len(p.sessions)
}

func (p *Pool) newSessionLocked() *Session {
	s := &Session{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now(),
		UserData:      make(map[string]any),
		maxUsage:      p.cfg.MaxUsageCount,
		maxErrorScore: p.cfg.MaxErrorScore,
	}
	if len(p.sessions) < p.cfg.MaxPoolSize {
		p.sessions = append(p.sessions, s)
	}
	p.log.Debug("created session", zap.String("session_id", s.ID))
	return s
}

func (p *Pool) evictLocked() {
	live := p.sessions[:0]
	for _, s := range p.sessions {
		if s.Usable() {
			live = append(live, s)
		}
	}
	p.sessions = live
}
