package api

import (
	"net/http"

	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/service"
)

// HandleAnalytics returns a handler for GET /employee-tracking/analytics.
// Supervisors may pass employee_id to read a subordinate's rollup.
func HandleAnalytics(roster *service.RosterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		fromDay, ok := dayQuery(w, r, "start_date")
		if !ok {
			return
		}
		toDay, ok := dayQuery(w, r, "end_date")
		if !ok {
			return
		}
		targetID := r.URL.Query().Get("employee_id")

		rows, err := roster.Analytics(r.Context(), caller, targetID, fromDay, toDay)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if rows == nil {
			rows = []model.DailyAnalytics{}
		}
		WriteJSON(w, http.StatusOK, analyticsResponse{Analytics: rows})
	}
}

// HandleActiveLocations returns a handler for GET
// /group-admin-tracking/active-locations: the live roster of everyone the
// caller supervises, enriched the same way socket fan-out frames are.
func HandleActiveLocations(roster *service.RosterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		rows, err := roster.ActiveLocations(r.Context(), caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]activeLocationEntry, 0, len(rows))
		for _, row := range rows {
			out = append(out, activeLocationEntry{
				Employee: summaryOf(row.User),
				Location: row.Location,
				OnShift:  row.OnShift,
			})
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandleEmployeeHistory returns a handler for GET
// /group-admin-tracking/employee-history: one subordinate's samples and
// shifts for a single UTC day.
func HandleEmployeeHistory(roster *service.RosterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		employeeID := r.URL.Query().Get("employee_id")
		day, ok := dayQuery(w, r, "date")
		if !ok {
			return
		}

		samples, shifts, err := roster.EmployeeHistory(r.Context(), caller, employeeID, day)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if samples == nil {
			samples = []model.LocationSample{}
		}
		if shifts == nil {
			shifts = []model.Shift{}
		}
		WriteJSON(w, http.StatusOK, employeeHistoryResponse{
			Locations: samples,
			Shifts:    shifts,
		})
	}
}
