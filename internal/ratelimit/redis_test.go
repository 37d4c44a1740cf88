package ratelimit

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisKey(t *testing.T) {
	tests := []struct {
		action, identifier, want string
	}{
		{ActionOTPSend, "+911234", "ratelimit:otp_send:{+911234}"},
		{ActionStudentLookup, "", "ratelimit:student_lookup:{default}"},
	}
	for _, tt := range tests {
		if got := redisKey(tt.action, tt.identifier); got != tt.want {
			t.Errorf("redisKey(%q, %q) = %q, want %q", tt.action, tt.identifier, got, tt.want)
		}
	}
}

// Unknown actions must never reach Redis, so an unreachable client is fine.
func TestRedisLimiter_UnknownActionFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	l := NewRedisLimiter(client, DefaultRules())
	ctx := context.Background()

	res, err := l.Allow(ctx, "unknown_action", "x")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !res.Allowed || res.Remaining != Unlimited {
		t.Errorf("Expected unlimited allow, got %+v", res)
	}
	if err := l.Record(ctx, "unknown_action", "x"); err != nil {
		t.Errorf("Record for unknown action should be a no-op: %v", err)
	}
}
