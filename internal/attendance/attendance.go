// Package attendance bridges auto-ended shifts to the external Sparrow
// attendance API. The bridge never returns a Go error: callers always get
// an envelope, and a failed punch must never stop a shift from closing.
package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/netutil"
)

// Error classifications surfaced in the envelope.
const (
	ErrorCooldown   = "COOLDOWN"
	ErrorRoster     = "ROSTER"
	ErrorSchedule   = "SCHEDULE"
	ErrorValidation = "VALIDATION"
	ErrorNetwork    = "NETWORK"
	ErrorAPI        = "API"
	ErrorUnknown    = "UNKNOWN"
)

const (
	punchAttempts = 3
	backoffBase   = time.Second
)

// Envelope is the only result a punch produces.
type Envelope struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	SparrowErrors []string        `json:"sparrowErrors,omitempty"`
	ErrorType     string          `json:"errorType,omitempty"`
	StatusCode    int             `json:"statusCode,omitempty"`
	ShouldRetry   bool            `json:"shouldRetry,omitempty"`
}

// Bridge is the outbound Sparrow client.
type Bridge struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *netutil.JSONClient
	backoff  netutil.Backoff
}

// NewBridge builds the client from configuration. An empty endpoint yields
// a bridge whose punches fail soft with an API classification.
func NewBridge(cfg *config.EnvConfig) *Bridge {
	return &Bridge{
		endpoint: cfg.SparrowEndpoint,
		apiKey:   cfg.SparrowAPIKey,
		timeout:  cfg.AttendanceTimeout,
		client:   &netutil.JSONClient{UserAgent: "crewtrack"},
		backoff:  netutil.Backoff{Base: backoffBase, MaxAttempts: punchAttempts},
	}
}

// Enabled reports whether an endpoint is configured at all. Callers still
// gate punches on the per-company flag and the production environment.
func (b *Bridge) Enabled() bool { return b.endpoint != "" }

type punchRequest struct {
	EmployeeCodes []string `json:"employeeCodes"`
}

type sparrowResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Errors  []string        `json:"errors"`
	Message string          `json:"message"`
}

// Punch submits employee codes to Sparrow. Network-class failures and 5xx
// responses retry with exponential backoff; 4xx responses are terminal.
func (b *Bridge) Punch(ctx context.Context, employeeCodes []string) Envelope {
	if b.endpoint == "" {
		return Envelope{
			ErrorType:     ErrorAPI,
			SparrowErrors: []string{"attendance endpoint not configured"},
		}
	}
	if len(employeeCodes) == 0 {
		return Envelope{
			ErrorType:     ErrorValidation,
			SparrowErrors: []string{"no employee codes supplied"},
		}
	}

	header := make(map[string][]string)
	if b.apiKey != "" {
		header["Authorization"] = []string{"Bearer " + b.apiKey}
	}

	timeout := b.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var resp sparrowResponse
	err := netutil.Retry(ctx, b.backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp = sparrowResponse{}
		return b.client.PostJSON(attemptCtx, b.endpoint, header, punchRequest{EmployeeCodes: employeeCodes}, &resp)
	})
	if err != nil {
		env := classifyFailure(err)
		log.Printf("[attendance] punch failed (%s, status %d): %v", env.ErrorType, env.StatusCode, err)
		return env
	}

	if !resp.Success && (len(resp.Errors) > 0 || resp.Message != "") {
		msgs := resp.Errors
		if len(msgs) == 0 {
			msgs = []string{resp.Message}
		}
		return Envelope{
			SparrowErrors: msgs,
			ErrorType:     classifyMessage(strings.Join(msgs, " ")),
			StatusCode:    200,
		}
	}

	return Envelope{Success: true, Data: resp.Data, StatusCode: 200}
}

func classifyFailure(err error) Envelope {
	var statusErr *netutil.HTTPStatusError
	if errors.As(err, &statusErr) {
		msgs := bodyMessages(statusErr.Body)
		errType := classifyMessage(strings.Join(msgs, " "))
		if errType == ErrorUnknown {
			errType = ErrorAPI
		}
		return Envelope{
			SparrowErrors: msgs,
			ErrorType:     errType,
			StatusCode:    statusErr.StatusCode,
			ShouldRetry:   statusErr.StatusCode >= 500,
		}
	}

	return Envelope{
		SparrowErrors: []string{err.Error()},
		ErrorType:     ErrorNetwork,
		ShouldRetry:   true,
	}
}

// bodyMessages pulls human-readable strings out of an error response body.
func bodyMessages(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	var resp sparrowResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if len(resp.Errors) > 0 {
			return resp.Errors
		}
		if resp.Message != "" {
			return []string{resp.Message}
		}
	}
	return []string{string(body)}
}

var messageClasses = []struct {
	errType string
	markers []string
}{
	{ErrorCooldown, []string{"cooldown", "too soon", "already punched", "duplicate punch"}},
	{ErrorRoster, []string{"roster", "not rostered", "employee not found"}},
	{ErrorSchedule, []string{"schedule", "not scheduled", "no shift planned"}},
	{ErrorValidation, []string{"invalid", "validation", "missing", "malformed"}},
	{ErrorNetwork, []string{"timeout", "timed out", "connection"}},
}

func classifyMessage(msg string) string {
	lower := strings.ToLower(msg)
	for _, class := range messageClasses {
		for _, marker := range class.markers {
			if strings.Contains(lower, marker) {
				return class.errType
			}
		}
	}
	return ErrorUnknown
}
