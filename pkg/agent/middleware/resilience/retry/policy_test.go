package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/agent/middleware/resilience/circuit"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("op: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("http: %w", context.DeadlineExceeded), true},
		{"circuit open", &circuit.Error{State: circuit.Open}, false},
		{"auth", &llmerrors.Error{Type: llmerrors.ErrorTypeAuth}, false},
		{"bad prompt", &llmerrors.Error{Type: llmerrors.ErrorTypeBadPrompt}, false},
		{"service unavailable", llmerrors.NewServiceUnavailableError(errors.New("x"), 3), false},
		{"rate limit", &llmerrors.Error{Type: llmerrors.ErrorTypeRateLimit}, true},
		{"wrapped auth", fmt.Errorf("call: %w", &llmerrors.Error{Type: llmerrors.ErrorTypeAuth}), false},
		{"http 401 text", errors.New("HTTP 401 Unauthorized"), false},
		{"invalid key text", errors.New("invalid API key provided"), false},
		{"404 text", errors.New("404 Not Found"), false},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"EOF", errors.New("EOF"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(Config{}, nil)
	if p.Classifier == nil {
		t.Error("Expected default classifier when nil passed")
	}
	if p.Config.MaxAttempts != 1 {
		t.Errorf("Expected MaxAttempts floor of 1, got %d", p.Config.MaxAttempts)
	}
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:   10,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}, nil)

	expected := map[int]time.Duration{
		1:  0,
		2:  time.Second,
		3:  2 * time.Second,
		4:  4 * time.Second,
		10: 5 * time.Second,
	}
	for attempt, want := range expected {
		if got := p.CalculateDelay(attempt); got != want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestCalculateDelayJitter(t *testing.T) {
	p := NewPolicy(Config{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2, Jitter: true}, nil)

	for i := 0; i < 20; i++ {
		delay := p.CalculateDelay(2)
		if delay < 900*time.Millisecond || delay > 1100*time.Millisecond {
			t.Fatalf("Expected delay within 10%% of 1s, got %v", delay)
		}
	}
}

func fastPolicy(attempts int, classifier Classifier) *Policy {
	return NewPolicy(Config{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
	}, classifier)
}

var errFlaky = errors.New("flaky")

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	retries, exhausted, err := Do(context.Background(), fastPolicy(3, nil), func(_ context.Context, _ int) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil || exhausted {
		t.Fatalf("unexpected result: err=%v exhausted=%v", err, exhausted)
	}
	if retries != 2 || calls != 3 {
		t.Errorf("expected 2 retries over 3 calls, got retries=%d calls=%d", retries, calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	classifier := func(err error) bool { return errors.Is(err, errFlaky) }
	retries, exhausted, err := Do(context.Background(), fastPolicy(5, classifier), func(_ context.Context, _ int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || exhausted || retries != 0 || calls != 1 {
		t.Errorf("unexpected result: err=%v exhausted=%v retries=%d calls=%d", err, exhausted, retries, calls)
	}
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	retries, exhausted, err := Do(context.Background(), fastPolicy(3, nil), func(_ context.Context, _ int) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) || !exhausted || retries != 2 || calls != 3 {
		t.Errorf("unexpected result: err=%v exhausted=%v retries=%d calls=%d", err, exhausted, retries, calls)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, nil)

	_, _, err := Do(ctx, p, func(_ context.Context, _ int) error {
		cancel()
		return errFlaky
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

type countingClient struct {
	err   error
	calls int
}

func (c *countingClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.calls++
	if c.err != nil {
		return llm.CompletionResponse{}, c.err
	}
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (c *countingClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, c, req), nil
}

func (c *countingClient) GetModelName() string { return "counting" }

func TestMiddlewareEscalatesToServiceUnavailable(t *testing.T) {
	base := &countingClient{err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")}
	client := Middleware(fastPolicy(3, nil))(base)

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest(nil))
	if !llmerrors.IsServiceUnavailable(err) {
		t.Errorf("expected service unavailable, got %v", err)
	}
	if base.calls != 3 {
		t.Errorf("expected 3 calls, got %d", base.calls)
	}
	if client.GetModelName() != "counting" {
		t.Error("expected model name passthrough")
	}
}

func TestMiddlewarePassesPermanentErrors(t *testing.T) {
	base := &countingClient{err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")}
	client := Middleware(fastPolicy(3, nil))(base)

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest(nil))
	if !llmerrors.Is(err, llmerrors.ErrorTypeAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
	if base.calls != 1 {
		t.Errorf("expected a single call, got %d", base.calls)
	}
}

func TestMiddlewareSuccess(t *testing.T) {
	base := &countingClient{}
	resp, err := Middleware(fastPolicy(3, nil))(base).Complete(context.Background(), llm.NewCompletionRequest(nil))
	if err != nil || resp.Content != "ok" {
		t.Errorf("unexpected result: %v %q", err, resp.Content)
	}
}
