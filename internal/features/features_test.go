package features

import "testing"

func TestNewManager_DefaultsAndOverrides(t *testing.T) {
	m := NewManager(map[string]bool{ChangeFeed: false, "beta_ui": true})

	if !m.IsEnabled(IdentityCache) {
		t.Error("Expected identity_cache enabled by default")
	}
	if m.IsEnabled(ChangeFeed) {
		t.Error("Expected change_feed overridden to disabled")
	}
	if !m.IsEnabled("beta_ui") {
		t.Error("Expected unknown flag from values to be registered")
	}
	if m.IsEnabled("missing") {
		t.Error("Expected missing flag to be disabled")
	}
}

func TestEnableDisable(t *testing.T) {
	m := NewManager(nil)

	m.Disable(RedisRateLimit)
	if m.IsEnabled(RedisRateLimit) {
		t.Error("Expected redis_rate_limit disabled")
	}
	m.Enable(RedisRateLimit)
	if !m.IsEnabled(RedisRateLimit) {
		t.Error("Expected redis_rate_limit enabled")
	}

	m.Enable("never_registered")
	if m.IsEnabled("never_registered") {
		t.Error("Enable must not create flags")
	}
}

func TestAll_Sorted(t *testing.T) {
	all := NewManager(nil).All()
	if len(all) != len(Defaults()) {
		t.Fatalf("Expected %d flags, got %d", len(Defaults()), len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Errorf("Flags not sorted: %s before %s", all[i-1].Name, all[i].Name)
		}
	}
	if all[0].Description == "" {
		t.Error("Expected known flags to carry a description")
	}
}
