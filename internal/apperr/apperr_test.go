package apperr

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOf_WrappedError(t *testing.T) {
	base := New(EligibilityDenied, "already used")
	wrapped := fmt.Errorf("commit: %w", base)

	if KindOf(wrapped) != EligibilityDenied {
		t.Errorf("Expected kind %s, got %s", EligibilityDenied, KindOf(wrapped))
	}
	if !Is(wrapped, EligibilityDenied) {
		t.Error("Expected Is to match wrapped kind")
	}
}

func TestFrom_HidesRawMessage(t *testing.T) {
	e := From(fmt.Errorf("UNIQUE constraint failed: transactions.id"))

	if e.Kind != Internal {
		t.Errorf("Expected kind %s, got %s", Internal, e.Kind)
	}
	if e.Message != "internal error" {
		t.Errorf("Expected generic message, got %q", e.Message)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{EligibilityDenied, http.StatusConflict},
		{IdentityNotFound, http.StatusNotFound},
		{RateLimited, http.StatusTooManyRequests},
		{RecorderHardFailure, http.StatusServiceUnavailable},
		{InvalidTransition, http.StatusConflict},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestWithRetryAfter(t *testing.T) {
	err := fmt.Errorf("scan: %w", New(RateLimited, "slow down").WithRetryAfter(90*time.Second))
	if got := From(err).RetryAfter; got != 90*time.Second {
		t.Errorf("Expected retry after 90s, got %s", got)
	}
}
