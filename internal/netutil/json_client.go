package netutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxErrorBodyBytes caps how much of a failed response is retained on the error.
const maxErrorBodyBytes = 8 << 10

// JSONClient posts JSON payloads and decodes JSON responses.
type JSONClient struct {
	Client *http.Client
	// Timeout applies when the caller context carries no deadline.
	Timeout   time.Duration
	UserAgent string
}

// PostJSON sends in as a JSON body and, on a 2xx response, decodes the reply
// into out (skipped when out is nil). Non-2xx responses return an
// *HTTPStatusError carrying a capped copy of the response body.
func (c *JSONClient) PostJSON(ctx context.Context, url string, header http.Header, in, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &NonRetryableError{Err: fmt.Errorf("marshal request body: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return &NonRetryableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("netutil: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: readCapped(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("netutil: decode response: %w", err)
	}
	return nil
}

func readCapped(r io.Reader) []byte {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return nil
	}
	return data
}
