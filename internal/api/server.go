package api

import (
	"context"
	"net"
	"net/http"

	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/live"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/service"
)

// Server wraps the HTTP server and mux for the crewtrack API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps carries the collaborators for NewServer.
type Deps struct {
	Auth         *Authenticator
	Tracker      *service.TrackingService
	Shifts       *service.ShiftService
	Roster       *service.RosterService
	Hub          *live.Hub
	Cache        *cache.Cache
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
}

// NewServer creates the API server wired with all routes. healthz and
// metrics are unauthenticated; everything else sits behind the JWT gate and
// the body size limit.
func NewServer(addr string, d Deps) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz(d.Cache, d.Hub))
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	authed := http.NewServeMux()

	// Mobile ingest and shift lifecycle.
	authed.Handle("POST /employee-tracking/location", HandleIngestLocation(d.Tracker))
	authed.Handle("POST /employee-tracking/location/background", HandleIngestBackground(d.Tracker))
	authed.Handle("POST /employee-tracking/start-shift", HandleStartShift(d.Shifts))
	authed.Handle("POST /employee-tracking/end-shift", HandleEndShift(d.Shifts))
	authed.Handle("GET /employee-tracking/current-shift", HandleCurrentShift(d.Roster))
	authed.Handle("GET /employee-tracking/shift-history", HandleShiftHistory(d.Roster))
	authed.Handle("GET /employee-tracking/analytics", HandleAnalytics(d.Roster))

	// Auto-end timers.
	authed.Handle("POST /shift/timer", HandleSetTimer(d.Shifts))
	authed.Handle("DELETE /shift/timer", HandleCancelTimer(d.Shifts))
	authed.Handle("GET /shift/timer", HandleGetTimer(d.Shifts))

	// Supervisor read side.
	authed.Handle("GET /group-admin-tracking/active-locations", HandleActiveLocations(d.Roster))
	authed.Handle("GET /group-admin-tracking/employee-history", HandleEmployeeHistory(d.Roster))

	// Live socket. The handshake is a GET with no body, so the limiter is
	// harmless here.
	authed.Handle("GET /ws", HandleSocket(d.Hub))

	limited := RequestBodyLimitMiddleware(d.MaxBodyBytes, authed)
	mux.Handle("/", d.Auth.Middleware(limited))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections from an existing listener, typically one wrapped
// by netutil.LimitListener.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
