package api

import (
	"net/http"

	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/service"
)

// HandleStartShift returns a handler for POST /employee-tracking/start-shift.
func HandleStartShift(shifts *service.ShiftService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		var in locationRequest
		if !decodeValidated(w, r, &in) {
			return
		}

		sh, status, err := shifts.Start(r.Context(), caller, in.sampleInput())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, startShiftResponse{
			ID:             sh.ID,
			StartTimestamp: sh.StartTimeMs,
			GeofenceStatus: status,
		})
	}
}

// HandleEndShift returns a handler for POST /employee-tracking/end-shift.
func HandleEndShift(shifts *service.ShiftService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		var in locationRequest
		if !decodeValidated(w, r, &in) {
			return
		}

		sh, err := shifts.End(r.Context(), caller, in.sampleInput())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, endShiftResponse{
			ID:                sh.ID,
			StartTimestamp:    sh.StartTimeMs,
			EndTimestamp:      sh.EndTimeMs,
			TotalDistance:     sh.TotalDistanceKm,
			TravelTimeMinutes: sh.TravelTimeMin,
		})
	}
}

// HandleCurrentShift returns a handler for GET /employee-tracking/current-shift.
func HandleCurrentShift(roster *service.RosterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		sh, loc, err := roster.CurrentShift(r.Context(), caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, currentShiftResponse{
			IsActive:        sh != nil,
			Shift:           sh,
			CurrentLocation: loc,
		})
	}
}

// HandleShiftHistory returns a handler for GET /employee-tracking/shift-history.
func HandleShiftHistory(roster *service.RosterService) http.HandlerFunc {
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

		shifts, err := roster.ShiftHistory(r.Context(), caller, fromDay, toDay)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if shifts == nil {
			shifts = []model.Shift{}
		}
		WriteJSON(w, http.StatusOK, shiftHistoryResponse{Shifts: shifts})
	}
}

// HandleSetTimer returns a handler for POST /shift/timer.
func HandleSetTimer(shifts *service.ShiftService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		var in timerRequest
		if !decodeValidated(w, r, &in) {
			return
		}

		timer, err := shifts.SetTimer(r.Context(), caller, in.DurationHours)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, timerResponse{Timer: timer})
	}
}

// HandleCancelTimer returns a handler for DELETE /shift/timer.
func HandleCancelTimer(shifts *service.ShiftService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		if err := shifts.CancelTimer(r.Context(), caller); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
	}
}

// HandleGetTimer returns a handler for GET /shift/timer.
func HandleGetTimer(shifts *service.ShiftService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())

		timer, sh, err := shifts.GetTimer(r.Context(), caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, timerResponse{Timer: timer, Shift: sh})
	}
}
