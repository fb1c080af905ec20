package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersAndCounts(t *testing.T) {
	m := New()

	m.IngestAccepted.WithLabelValues("foreground").Inc()
	m.IngestAccepted.WithLabelValues("foreground").Inc()
	m.IngestRejected.WithLabelValues("ACCURACY_TOO_LOW").Inc()
	m.CacheFallback.Set(1)

	if got := testutil.ToFloat64(m.IngestAccepted.WithLabelValues("foreground")); got != 2 {
		t.Fatalf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheFallback); got != 1 {
		t.Fatalf("fallback gauge = %v, want 1", got)
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.ShiftsStarted.WithLabelValues("employee_shifts").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	if !strings.Contains(text, "crewtrack_shifts_started_total") {
		t.Fatal("exposition missing shift counter")
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatal("exposition missing Go runtime collector")
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IngestWarnings.Inc()
	if got := testutil.ToFloat64(b.IngestWarnings); got != 0 {
		t.Fatalf("registries must be independent, got %v", got)
	}
}
