package llmerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorTypeString(t *testing.T) {
	tests := map[ErrorType]string{
		ErrorTypeRateLimit:          "rate_limit",
		ErrorTypeTransient:          "transient",
		ErrorTypeEmptyResponse:      "empty_response",
		ErrorTypeAuth:               "auth",
		ErrorTypeBadPrompt:          "bad_prompt",
		ErrorTypeUnknown:            "unknown",
		ErrorTypeServiceUnavailable: "service_unavailable",
		ErrorType(42):               "invalid",
	}
	for et, want := range tests {
		if got := et.String(); got != want {
			t.Errorf("ErrorType(%d).String() = %q, want %q", et, got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse, ErrorTypeUnknown}
	for _, et := range retryable {
		if !NewError(et, "x").IsRetryable() {
			t.Errorf("expected %s to be retryable", et)
		}
	}
	terminal := []ErrorType{ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable}
	for _, et := range terminal {
		if NewError(et, "x").IsRetryable() {
			t.Errorf("expected %s not to be retryable", et)
		}
	}
}

func TestIsAndTypeOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewErrorWithStatus(ErrorTypeRateLimit, 429, "slow down"))
	if !Is(err, ErrorTypeRateLimit) {
		t.Error("expected wrapped rate limit error to match")
	}
	if TypeOf(err) != ErrorTypeRateLimit {
		t.Errorf("unexpected type %s", TypeOf(err))
	}
	if TypeOf(errors.New("plain")) != ErrorTypeUnknown {
		t.Error("plain errors should be unknown")
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewErrorWithCause(ErrorTypeTransient, cause, "")
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
	if err.Error() != "LLM error (transient): connection reset" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if (&Error{Type: ErrorTypeAuth, StatusCode: 401}).Error() != "LLM error (auth): status 401" {
		t.Error("unexpected status-only message")
	}
}

func TestServiceUnavailable(t *testing.T) {
	err := NewServiceUnavailableError(errors.New("503"), 3)
	if !IsServiceUnavailable(err) {
		t.Error("expected service unavailable")
	}
	if !strings.Contains(err.Error(), "after 3 retry attempts") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestFromStatus(t *testing.T) {
	tests := map[int]ErrorType{
		429: ErrorTypeRateLimit,
		401: ErrorTypeAuth,
		403: ErrorTypeAuth,
		400: ErrorTypeBadPrompt,
		413: ErrorTypeBadPrompt,
		500: ErrorTypeTransient,
		503: ErrorTypeTransient,
		418: ErrorTypeUnknown,
	}
	for status, want := range tests {
		if got := FromStatus(status, nil).Type; got != want {
			t.Errorf("FromStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestSanitizePrompt(t *testing.T) {
	short := "hello"
	if SanitizePrompt(short, 100) != short {
		t.Error("short prompts should be returned unchanged")
	}
	long := strings.Repeat("a", 500) + strings.Repeat("b", 500)
	got := SanitizePrompt(long, 200)
	if !strings.Contains(got, "[1000 chars, hash:") {
		t.Errorf("expected length and hash marker, got %q", got)
	}
}
