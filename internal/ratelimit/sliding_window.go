package ratelimit

import (
	"context"
	"sync"
	"time"
)

var _ Limiter = (*SlidingWindow)(nil)

// SlidingWindow keeps event timestamps per (action, identifier) in memory.
type SlidingWindow struct {
	mu          sync.Mutex
	rules       map[string]Rule
	entries     map[string][]time.Time
	now         func() time.Time
	cleanupTick *time.Ticker
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) {
		s.now = now
	}
}

// WithCleanupInterval starts a background sweep of idle keys. Without it
// entries are only pruned lazily when their key is touched.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *SlidingWindow) {
		s.cleanupTick = time.NewTicker(interval)
	}
}

// NewSlidingWindow creates an in-memory limiter for the given rules.
func NewSlidingWindow(rules map[string]Rule, opts ...Option) *SlidingWindow {
	copied := make(map[string]Rule, len(rules))
	for action, rule := range rules {
		copied[action] = rule
	}

	s := &SlidingWindow{
		rules:       copied,
		entries:     make(map[string][]time.Time),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupTick != nil {
		go s.cleanup()
	}

	return s
}

// cleanup drops keys whose newest event has left the window.
func (s *SlidingWindow) cleanup() {
	for {
		select {
		case <-s.cleanupTick.C:
			s.mu.Lock()
			now := s.now()
			for k, stamps := range s.entries {
				rule, ok := s.ruleForKey(k)
				if !ok || len(stamps) == 0 || now.Sub(stamps[len(stamps)-1]) >= rule.Window {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine, if any.
func (s *SlidingWindow) Stop() {
	s.stopOnce.Do(func() {
		if s.cleanupTick != nil {
			s.cleanupTick.Stop()
		}
		close(s.stopCleanup)
	})
}

func (s *SlidingWindow) ruleForKey(k string) (Rule, bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			rule, ok := s.rules[k[:i]]
			return rule, ok
		}
	}
	return Rule{}, false
}

// prune drops timestamps outside the window. Caller holds mu.
func (s *SlidingWindow) prune(k string, rule Rule, now time.Time) []time.Time {
	stamps := s.entries[k]
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= rule.Window {
		cut++
	}
	if cut > 0 {
		stamps = append([]time.Time(nil), stamps[cut:]...)
		if len(stamps) == 0 {
			delete(s.entries, k)
		} else {
			s.entries[k] = stamps
		}
	}
	return stamps
}

func (s *SlidingWindow) evaluate(stamps []time.Time, rule Rule, now time.Time) Result {
	if len(stamps) < rule.MaxRequests {
		return Result{Allowed: true, Remaining: rule.MaxRequests - len(stamps)}
	}
	wait := time.Duration(0)
	if len(stamps) > 0 {
		wait = rule.Window - now.Sub(stamps[0])
	}
	return Result{Allowed: false, Remaining: 0, WaitTime: wait}
}

// Check implements Limiter.
func (s *SlidingWindow) Check(_ context.Context, action, identifier string) (Result, error) {
	rule, ok := s.rules[action]
	if !ok {
		return Result{Allowed: true, Remaining: Unlimited}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stamps := s.prune(key(action, identifier), rule, now)
	return s.evaluate(stamps, rule, now), nil
}

// Record implements Limiter.
func (s *SlidingWindow) Record(_ context.Context, action, identifier string) error {
	rule, ok := s.rules[action]
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := key(action, identifier)
	stamps := s.prune(k, rule, now)
	s.entries[k] = append(stamps, now)
	return nil
}

// Reset implements Limiter.
func (s *SlidingWindow) Reset(_ context.Context, action, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key(action, identifier))
	return nil
}

// Allow implements Limiter.
func (s *SlidingWindow) Allow(_ context.Context, action, identifier string) (Result, error) {
	rule, ok := s.rules[action]
	if !ok {
		return Result{Allowed: true, Remaining: Unlimited}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := key(action, identifier)
	stamps := s.prune(k, rule, now)
	res := s.evaluate(stamps, rule, now)
	if res.Allowed {
		s.entries[k] = append(stamps, now)
		res.Remaining--
	}
	return res, nil
}
