package netutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
		{63, 10 * time.Second},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelay_ZeroBase(t *testing.T) {
	b := Backoff{Max: 10 * time.Second}
	if got := b.Delay(3); got != 0 {
		t.Fatalf("Delay with zero base: got %v, want 0", got)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, MaxAttempts: 5}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still down")
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, MaxAttempts: 3}, func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d, want 3", calls)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, MaxAttempts: 5}, func(context.Context) error {
		calls++
		return &NonRetryableError{Err: errors.New("bad request payload")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Backoff{Base: time.Hour, MaxAttempts: 5}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1 (no retry after cancel)", calls)
	}
}

func TestRetry_ZeroAttemptsMeansOneCall(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), Backoff{}, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain_transport", errors.New("connection refused"), true},
		{"wrapped_cancel", fmt.Errorf("call: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"setup_failure", &NonRetryableError{Err: errors.New("bad url")}, false},
		{"status_400", &HTTPStatusError{StatusCode: 400, URL: "http://x"}, false},
		{"status_404", &HTTPStatusError{StatusCode: 404, URL: "http://x"}, false},
		{"status_429", &HTTPStatusError{StatusCode: 429, URL: "http://x"}, true},
		{"status_500", &HTTPStatusError{StatusCode: 500, URL: "http://x"}, true},
		{"status_503", &HTTPStatusError{StatusCode: 503, URL: "http://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
