package redemption

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/metrics"
)

// Registry holds the open sessions of this process. Sessions are in memory:
// a restart drops any redemption that was not yet confirmed.
type Registry struct {
	deps    Deps
	idleTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions expire after idleTTL
// without activity. A zero idleTTL keeps sessions until closed.
func NewRegistry(deps Deps, idleTTL time.Duration) *Registry {
	return &Registry{
		deps:     deps,
		idleTTL:  idleTTL,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session for merchantID.
func (r *Registry) Open(merchantID string) (*Session, error) {
	if merchantID == "" {
		return nil, apperr.New(apperr.Validation, "merchant_id is required")
	}
	s := NewSession(uuid.NewString(), merchantID, r.deps)

	r.mu.Lock()
	r.sessions[s.id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	r.deps.Logger.Info().Str("session_id", s.id).Str("merchant_id", merchantID).Msg("session opened")
	return s, nil
}

// Get returns an open session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session %s not found", id)
	}
	return s, nil
}

// Close removes a session. Closing an unknown session is not an error.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the TTL and returns how many
// were closed. A session with an operation in flight, such as a commit, is
// never swept.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.deps.now().Add(-r.idleTTL)

	r.mu.Lock()
	var closed int
	for id, s := range r.sessions {
		if s.idleSince(cutoff) {
			delete(r.sessions, id)
			closed++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	if closed > 0 {
		r.deps.Logger.Info().Int("closed", closed).Int("open", n).Msg("idle sessions swept")
	}
	return closed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
