package geoip

import (
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestDisabledService(t *testing.T) {
	s := NewService("", "0 7 * * *")
	defer s.Stop()

	if s.Enabled() {
		t.Fatal("service with no db path should be disabled")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() on disabled service: %v", err)
	}
	if _, ok := s.Lookup(net.ParseIP("8.8.8.8")); ok {
		t.Fatal("disabled service should resolve nothing")
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() on disabled service: %v", err)
	}
}

func TestStartMissingDatabase(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "absent.mmdb"), "0 7 * * *")
	defer s.Stop()

	err := s.Start()
	if err == nil {
		t.Fatal("expected Start to fail when the database file is missing")
	}
	if !strings.Contains(err.Error(), "geoip: open") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStartRemoteDatabase(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		s := NewService(srv.URL+"/city.mmdb", "")
		defer s.Stop()
		err := s.Start()
		if err == nil || !strings.Contains(err.Error(), "geoip: download") {
			t.Fatalf("expected download error, got %v", err)
		}
	})

	t.Run("corrupt payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not an mmdb"))
		}))
		defer srv.Close()

		s := NewService(srv.URL+"/city.mmdb", "")
		defer s.Stop()
		err := s.Start()
		if err == nil || !strings.Contains(err.Error(), "geoip: parse") {
			t.Fatalf("expected parse error, got %v", err)
		}
	})
}

func TestLookupNilInputs(t *testing.T) {
	var nilService *Service
	if _, ok := nilService.Lookup(net.ParseIP("1.2.3.4")); ok {
		t.Fatal("nil service should resolve nothing")
	}

	s := NewService("", "")
	if _, ok := s.Lookup(nil); ok {
		t.Fatal("nil ip should resolve nothing")
	}
}

func TestIPFromRemoteAddr(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.0.2.10:54321", "192.0.2.10"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.10", "192.0.2.10"},
		{"not-an-address", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := IPFromRemoteAddr(tt.addr)
		if tt.want == "" {
			if got != nil {
				t.Errorf("IPFromRemoteAddr(%q) = %v, want nil", tt.addr, got)
			}
			continue
		}
		if got == nil || got.String() != tt.want {
			t.Errorf("IPFromRemoteAddr(%q) = %v, want %s", tt.addr, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	london := Location{Latitude: 51.5074, Longitude: -0.1278}

	// Same point is always plausible.
	if ok, d := Check(london, 51.5074, -0.1278); !ok || d > 1 {
		t.Fatalf("same point: ok=%v d=%.1f", ok, d)
	}

	// Paris is ~344 km from London, inside the base allowance.
	if ok, _ := Check(london, 48.8566, 2.3522); !ok {
		t.Fatal("Paris should be plausible from a London IP")
	}

	// Berlin is ~930 km away, past the base allowance.
	ok, d := Check(london, 52.52, 13.405)
	if ok {
		t.Fatalf("Berlin should be implausible from a London IP (d=%.0f m)", d)
	}
	if d < 900_000 || d > 960_000 {
		t.Fatalf("unexpected London-Berlin distance: %.0f m", d)
	}

	// A wide accuracy radius loosens the allowance.
	coarse := Location{Latitude: 51.5074, Longitude: -0.1278, AccuracyRadiusKm: 1000}
	if ok, _ := Check(coarse, 52.52, 13.405); !ok {
		t.Fatal("Berlin should be plausible when the record is 1000 km coarse")
	}
}
