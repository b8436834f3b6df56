package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFamilyMembership(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"rate limited", NewRateLimited("slack", 3*time.Second), CodeRateLimited},
		{"authentication", NewAuthentication("slack"), CodeAuthFailed},
		{"not found", NewResourceNotFound("discord", "channel", "C1"), CodeNotFound},
		{"permission", NewPermission("googlechat", "add reaction", "scope"), CodePermissionDenied},
		{"validation", NewValidation("linear", "bad id"), CodeValidation},
		{"network", NewNetwork("teams", errors.New("dial tcp")), CodeNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ae *AdapterError
			if !errors.As(tc.err, &ae) {
				t.Fatalf("errors.As(%T, *AdapterError) = false, want true", tc.err)
			}
			if ae.Code != tc.code {
				t.Errorf("Code = %q, want %q", ae.Code, tc.code)
			}
		})
	}
}

func TestErrorFamilyThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("post message: %w", NewRateLimited("slack", time.Second))

	var rle *RateLimitedError
	if !errors.As(wrapped, &rle) {
		t.Fatal("expected wrapped error to match *RateLimitedError")
	}
	if rle.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", rle.RetryAfter)
	}

	var ae *AdapterError
	if !errors.As(wrapped, &ae) {
		t.Fatal("expected wrapped error to match *AdapterError")
	}
	if ae.Adapter != "slack" {
		t.Errorf("Adapter = %q, want slack", ae.Adapter)
	}
}

func TestDefaultMessages(t *testing.T) {
	if got := NewAuthentication("slack").Error(); got != "slack: Authentication failed for slack" {
		t.Errorf("authentication message = %q", got)
	}
	if got := NewResourceNotFound("slack", "channel", "C9").Error(); got != "slack: channel 'C9' not found in slack" {
		t.Errorf("not found message = %q", got)
	}
	if got := NewResourceNotFound("slack", "channel", "").Error(); got != "slack: channel not found in slack" {
		t.Errorf("not found message without id = %q", got)
	}
	if got := NewPermission("googlechat", "add reaction", "chat.bot").Error(); got != "googlechat: Permission denied: cannot add reaction in googlechat (requires: chat.bot)" {
		t.Errorf("permission message = %q", got)
	}
	if got := NewPermission("teams", "add reaction", "").Error(); got != "teams: Permission denied: cannot add reaction in teams" {
		t.Errorf("permission message without scope = %q", got)
	}
}

func TestNetworkErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewNetwork("discord", cause)
	if !errors.Is(err, cause) {
		t.Error("expected NewNetwork to unwrap to its cause")
	}
}
