package engine

import (
	"sync"
	"sync/atomic"

	"github.com/HerbHall/procwatch/internal/samplecache"
	"github.com/HerbHall/procwatch/pkg/models"
)

// Session is the per-observer state of the engine: the bound target, its
// sample cache, and the match count of the previous name resolution.
// Polls of one session are serialized; sessions share nothing.
type Session struct {
	target models.Target
	cache  *samplecache.Cache

	mu          sync.Mutex // serializes polls
	lastMatched int
	closed      atomic.Bool
}

// NewSession validates target and returns a session with an empty cache.
func NewSession(target models.Target) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return &Session{target: target, cache: samplecache.New()}, nil
}

// Target returns the bound target.
func (s *Session) Target() models.Target { return s.target }

// Cached returns the number of sample cache entries.
func (s *Session) Cached() int { return s.cache.Len() }

// Close releases the sample cache. Later polls fail with models.ErrClosed.
// Closing twice is a no-op.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cache.Close()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }
