package attendance

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crewtrack/crewtrack/internal/netutil"
)

func newTestBridge(endpoint string) *Bridge {
	return &Bridge{
		endpoint: endpoint,
		apiKey:   "secret-key",
		client:   &netutil.JSONClient{},
		backoff:  netutil.Backoff{Base: time.Millisecond, MaxAttempts: punchAttempts},
	}
}

func TestPunch_Success(t *testing.T) {
	var gotAuth string
	var gotCodes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req punchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotCodes = req.EmployeeCodes
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"punched":["E-7"]}}`))
	}))
	defer srv.Close()

	env := newTestBridge(srv.URL).Punch(t.Context(), []string{"E-7"})
	if !env.Success {
		t.Fatalf("expected success, got %+v", env)
	}
	if env.StatusCode != 200 || env.ErrorType != "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if len(gotCodes) != 1 || gotCodes[0] != "E-7" {
		t.Fatalf("employee codes = %v", gotCodes)
	}
}

func TestPunch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	env := newTestBridge(srv.URL).Punch(t.Context(), []string{"E-7"})
	if !env.Success {
		t.Fatalf("expected success after retries, got %+v", env)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPunch_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"success":false,"errors":["invalid employee code"]}`))
	}))
	defer srv.Close()

	env := newTestBridge(srv.URL).Punch(t.Context(), []string{"bogus"})
	if env.Success {
		t.Fatal("expected failure")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not retry, got %d attempts", calls.Load())
	}
	if env.ErrorType != ErrorValidation {
		t.Fatalf("errorType = %s, want %s", env.ErrorType, ErrorValidation)
	}
	if env.StatusCode != http.StatusUnprocessableEntity || env.ShouldRetry {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPunch_ExhaustedRetriesKeepShouldRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := newTestBridge(srv.URL).Punch(t.Context(), []string{"E-7"})
	if env.Success || !env.ShouldRetry {
		t.Fatalf("expected retryable failure, got %+v", env)
	}
	if env.ErrorType != ErrorAPI {
		t.Fatalf("errorType = %s, want %s", env.ErrorType, ErrorAPI)
	}
}

func TestPunch_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	env := newTestBridge(srv.URL).Punch(t.Context(), []string{"E-7"})
	if env.Success {
		t.Fatal("expected failure")
	}
	if env.ErrorType != ErrorNetwork || !env.ShouldRetry {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPunch_CooldownInSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errors":["employee E-7 in cooldown period"]}`))
	}))
	defer srv.Close()

	env := newTestBridge(srv.URL).Punch(t.Context(), []string{"E-7"})
	if env.Success {
		t.Fatal("expected failure")
	}
	if env.ErrorType != ErrorCooldown {
		t.Fatalf("errorType = %s, want %s", env.ErrorType, ErrorCooldown)
	}
	if env.ShouldRetry {
		t.Fatal("cooldown is terminal")
	}
}

func TestPunch_UnconfiguredEndpoint(t *testing.T) {
	b := &Bridge{client: &netutil.JSONClient{}}
	env := b.Punch(t.Context(), []string{"E-7"})
	if env.Success || env.ErrorType != ErrorAPI {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if b.Enabled() {
		t.Fatal("bridge without endpoint must report disabled")
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := map[string]string{
		"Employee already punched today":  ErrorCooldown,
		"not rostered for this site":      ErrorRoster,
		"no shift planned for date":       ErrorSchedule,
		"invalid employee code":           ErrorValidation,
		"upstream connection reset":       ErrorNetwork,
		"something inexplicable happened": ErrorUnknown,
	}
	for msg, want := range cases {
		if got := classifyMessage(msg); got != want {
			t.Fatalf("classifyMessage(%q) = %s, want %s", msg, got, want)
		}
	}
}
