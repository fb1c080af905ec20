package notify

import (
	"context"
	"net/http"

	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/netutil"
)

// expoChunkSize is the provider's documented per-request message cap.
const expoChunkSize = 100

// errDeviceNotRegistered is the receipt marker that retires a token.
const errDeviceNotRegistered = "DeviceNotRegistered"

// PushResult is the per-token outcome of one dispatch.
type PushResult struct {
	Token string
	OK    bool
	Error string
}

// Gone reports whether the provider told us the token is dead.
func (r PushResult) Gone() bool { return r.Error == errDeviceNotRegistered }

type expoMessage struct {
	To       []string       `json:"to"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Sound    string         `json:"sound,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type expoResponse struct {
	Data []expoTicket `json:"data"`
}

// ExpoClient talks to an Expo-compatible push endpoint.
type ExpoClient struct {
	url         string
	accessToken string
	client      *netutil.JSONClient
}

// NewExpoClient builds the push client from configuration.
func NewExpoClient(cfg *config.EnvConfig) *ExpoClient {
	return &ExpoClient{
		url:         cfg.ExpoPushURL,
		accessToken: cfg.ExpoAccessToken,
		client:      &netutil.JSONClient{UserAgent: "crewtrack", Timeout: cfg.PushTimeout},
	}
}

// Send pushes one title/body to every token, chunked to the provider cap.
// The results align one-to-one with tokens; a failed chunk marks each of its
// tokens with the transport error instead of failing the call.
func (c *ExpoClient) Send(ctx context.Context, tokens []string, title, body string, data map[string]any, priority string) []PushResult {
	results := make([]PushResult, 0, len(tokens))

	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}

	for start := 0; start < len(tokens); start += expoChunkSize {
		end := start + expoChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]

		msg := expoMessage{
			To:       chunk,
			Title:    title,
			Body:     body,
			Data:     data,
			Sound:    "default",
			Priority: priority,
		}

		var resp expoResponse
		if err := c.client.PostJSON(ctx, c.url, header, []expoMessage{msg}, &resp); err != nil {
			for _, token := range chunk {
				results = append(results, PushResult{Token: token, Error: err.Error()})
			}
			continue
		}

		// Tickets come back in token order; a short reply leaves the
		// remainder marked undelivered.
		for i, token := range chunk {
			if i >= len(resp.Data) {
				results = append(results, PushResult{Token: token, Error: "no ticket returned"})
				continue
			}
			ticket := resp.Data[i]
			if ticket.Status == "ok" {
				results = append(results, PushResult{Token: token, OK: true})
				continue
			}
			reason := ticket.Details.Error
			if reason == "" {
				reason = ticket.Message
			}
			if reason == "" {
				reason = "push rejected"
			}
			results = append(results, PushResult{Token: token, Error: reason})
		}
	}
	return results
}
