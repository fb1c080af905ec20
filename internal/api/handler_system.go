package api

import (
	"net/http"

	"github.com/crewtrack/crewtrack/internal/buildinfo"
	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/live"
)

// HandleHealthz returns a handler for GET /healthz. No authentication is
// required; the body reports the cache mode so probes can alert on a
// fallback episode before users notice.
func HandleHealthz(ca *cache.Cache, hub *live.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{
			Status:  "ok",
			Version: buildinfo.Version,
		}
		if ca != nil {
			resp.Cache = ca.Mode().String()
		}
		if hub != nil {
			resp.Sessions = hub.Sessions()
			resp.Instance = hub.InstanceID()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleSocket returns the handler for GET /ws. Authentication already
// happened in the middleware; the hub owns the connection from here.
func HandleSocket(hub *live.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		hub.Serve(w, r, caller)
	}
}
