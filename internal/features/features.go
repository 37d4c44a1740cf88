package features

import (
	"sort"
	"sync"
)

// Predefined feature flag names
const (
	// RedisRateLimit moves limiter windows into Redis when a client is configured.
	RedisRateLimit = "redis_rate_limit"
	// ChangeFeed pushes savings updates to WebSocket and Kafka subscribers.
	ChangeFeed = "change_feed"
	// AggregateReconciler runs the background aggregate repair loop.
	AggregateReconciler = "aggregate_reconciler"
	// IdentityCache caches student lookups by public id.
	IdentityCache = "identity_cache"
)

var descriptions = map[string]string{
	RedisRateLimit:      "shared rate limit windows in Redis",
	ChangeFeed:          "push savings updates after each commit",
	AggregateReconciler: "periodically repair stale aggregates",
	IdentityCache:       "cache student lookups by public id",
}

// Defaults returns the built-in value of every known flag.
func Defaults() map[string]bool {
	return map[string]bool{
		RedisRateLimit:      true,
		ChangeFeed:          true,
		AggregateReconciler: true,
		IdentityCache:       true,
	}
}

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a manager holding the known flags at their defaults,
// overridden by values. Unknown names in values are registered too.
func NewManager(values map[string]bool) *Manager {
	m := &Manager{flags: make(map[string]*FeatureFlag)}
	for name, enabled := range Defaults() {
		m.Register(name, enabled, descriptions[name])
	}
	for name, enabled := range values {
		m.Register(name, enabled, descriptions[name])
	}
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false // Default to disabled if flag doesn't exist
	}

	return flag.Enabled
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.set(name, true)
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.set(name, false)
}

func (m *Manager) set(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = enabled
	}
}

// All returns a copy of every flag, sorted by name.
func (m *Manager) All() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
