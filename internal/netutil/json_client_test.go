package netutil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestJSONClient_PostJSON(t *testing.T) {
	var gotBody map[string]any
	var gotContentType, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"recorded"}`))
	}))
	defer srv.Close()

	c := &JSONClient{Timeout: time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer sk-test")

	var out struct {
		Status string `json:"status"`
	}
	err := c.PostJSON(context.Background(), srv.URL, header, map[string]string{"employeeId": "e-1"}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Content-Type: got %q", gotContentType)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization: got %q", gotAuth)
	}
	if gotBody["employeeId"] != "e-1" {
		t.Errorf("request body: got %v", gotBody)
	}
	if out.Status != "recorded" {
		t.Errorf("response status: got %q, want %q", out.Status, "recorded")
	}
}

func TestJSONClient_NonOKCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"employee not in roster"}`))
	}))
	defer srv.Close()

	c := &JSONClient{Timeout: time.Second}
	err := c.PostJSON(context.Background(), srv.URL, nil, map[string]string{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *HTTPStatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status: got %d", statusErr.StatusCode)
	}
	if !strings.Contains(string(statusErr.Body), "not in roster") {
		t.Errorf("body: got %q", statusErr.Body)
	}
}

func TestJSONClient_NilOutDiscardsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ignored":true}`))
	}))
	defer srv.Close()

	c := &JSONClient{}
	if err := c.PostJSON(context.Background(), srv.URL, nil, map[string]string{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJSONClient_TimeoutWithoutContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := &JSONClient{Timeout: 20 * time.Millisecond}
	err := c.PostJSON(context.Background(), srv.URL, nil, map[string]string{}, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestJSONClient_UnmarshalableBody(t *testing.T) {
	c := &JSONClient{}
	err := c.PostJSON(context.Background(), "http://127.0.0.1:0", nil, map[string]any{"bad": func() {}}, nil)

	var nonRetryable *NonRetryableError
	if !errors.As(err, &nonRetryable) {
		t.Fatalf("expected *NonRetryableError, got %T: %v", err, err)
	}
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mmdb-bytes"))
	}))
	defer srv.Close()

	f := &Fetcher{Timeout: time.Second, UserAgent: "crewtrack/1.0"}
	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "mmdb-bytes" {
		t.Fatalf("body: got %q", body)
	}
}

func TestFetcher_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := &Fetcher{}
	_, err := f.Fetch(context.Background(), srv.URL)

	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *HTTPStatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusForbidden {
		t.Errorf("status: got %d", statusErr.StatusCode)
	}
}

func TestFetcher_ContextDeadlineOverridesFallbackTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := &Fetcher{Timeout: 20 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	body, err := f.Fetch(ctx, srv.URL)
	if err != nil {
		t.Fatalf("fetch should succeed with caller deadline, got err=%v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body: got %q, want %q", string(body), "ok")
	}
}
