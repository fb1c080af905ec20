package api

import (
	"net/http"

	"github.com/crewtrack/crewtrack/internal/service"
)

// HandleIngestLocation returns a handler for POST /employee-tracking/location.
// Validation rejections are 400; persistence failures stay 200 with a
// non-success envelope because the payload is parked in the retry queue.
func HandleIngestLocation(tracker *service.TrackingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		var in locationRequest
		if !decodeValidated(w, r, &in) {
			return
		}

		ack, err := tracker.Ingest(r.Context(), caller, in.sampleInput(), in.IsBackground)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ingestResponseFrom(ack))
	}
}

// HandleIngestBackground returns a handler for POST
// /employee-tracking/location/background. Always 200: background flushes
// must never trigger client retries, so even rejections are acknowledged.
func HandleIngestBackground(tracker *service.TrackingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		var in locationRequest
		if !decodeValidated(w, r, &in) {
			return
		}

		ack := tracker.IngestBackground(r.Context(), caller, in.sampleInput())
		WriteJSON(w, http.StatusOK, ingestResponseFrom(ack))
	}
}
