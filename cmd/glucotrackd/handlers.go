package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/diabetactic/glucotrack-core/internal/connectivity"
	"github.com/diabetactic/glucotrack-core/internal/models"
	"github.com/diabetactic/glucotrack-core/internal/stats"
	syncpkg "github.com/diabetactic/glucotrack-core/internal/sync"
)

// API exposes the core's surface over localhost REST.
type API struct {
	orch     *syncpkg.Orchestrator
	stats    *stats.Service
	monitor  *connectivity.Monitor
	validate *validator.Validate
}

// NewAPI creates the REST handler set.
func NewAPI(orch *syncpkg.Orchestrator, statsSvc *stats.Service, monitor *connectivity.Monitor) *API {
	return &API{
		orch:     orch,
		stats:    statsSvc,
		monitor:  monitor,
		validate: validator.New(),
	}
}

// Register mounts all routes on the router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/health", a.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/readings", a.ListReadings).Methods(http.MethodGet)
	r.HandleFunc("/api/readings", a.CreateReading).Methods(http.MethodPost)
	r.HandleFunc("/api/readings/{id}", a.GetReading).Methods(http.MethodGet)
	r.HandleFunc("/api/readings/{id}", a.UpdateReading).Methods(http.MethodPut)
	r.HandleFunc("/api/readings/{id}", a.DeleteReading).Methods(http.MethodDelete)
	r.HandleFunc("/api/sync", a.TriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/status", a.SyncStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.Stats).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health handles GET /api/health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "glucotrackd",
	})
}

// CreateReadingRequest is the POST /api/readings body.
type CreateReadingRequest struct {
	Value       float64 `json:"value" validate:"required,gt=0"`
	Unit        string  `json:"unit" validate:"omitempty,oneof=mg/dL mmol/L"`
	Date        string  `json:"date" validate:"omitempty"`
	MealContext string  `json:"meal_context" validate:"omitempty,max=64"`
	Notes       string  `json:"notes" validate:"omitempty,max=1024"`
}

// CreateReading handles POST /api/readings.
func (a *API) CreateReading(w http.ResponseWriter, r *http.Request) {
	var req CreateReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reading := &models.Reading{
		Value:       req.Value,
		Unit:        req.Unit,
		MealContext: req.MealContext,
		Notes:       req.Notes,
	}
	if req.Date != "" {
		measured, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be RFC 3339")
			return
		}
		_, offset := measured.Zone()
		reading.MeasuredAt = measured.Unix()
		reading.TZOffsetSec = offset
	}

	if err := a.orch.AddReading(reading); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store reading")
		return
	}
	writeJSON(w, http.StatusCreated, reading)
}

// ListReadings handles GET /api/readings with optional start/end filters.
func (a *API) ListReadings(w http.ResponseWriter, r *http.Request) {
	startParam := r.URL.Query().Get("start")
	endParam := r.URL.Query().Get("end")

	if startParam != "" || endParam != "" {
		start, end, err := parseTimeRange(startParam, endParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		readings, err := a.orch.Store().QueryByTimeRange(start, end)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to query readings")
			return
		}
		writeJSON(w, http.StatusOK, readings)
		return
	}

	readings, err := a.orch.Store().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list readings")
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// GetReading handles GET /api/readings/{id}.
func (a *API) GetReading(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reading, err := a.orch.Store().Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Reading not found")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// UpdateReadingRequest is the PUT /api/readings/{id} body. Absent fields
// are left unchanged.
type UpdateReadingRequest struct {
	Value       *float64 `json:"value" validate:"omitempty,gt=0"`
	Unit        *string  `json:"unit" validate:"omitempty,oneof=mg/dL mmol/L"`
	Date        *string  `json:"date"`
	MealContext *string  `json:"meal_context" validate:"omitempty,max=64"`
	Notes       *string  `json:"notes" validate:"omitempty,max=1024"`
}

// UpdateReading handles PUT /api/readings/{id}.
func (a *API) UpdateReading(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req UpdateReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	update := models.ReadingUpdate{
		Value:       req.Value,
		Unit:        req.Unit,
		MealContext: req.MealContext,
		Notes:       req.Notes,
	}
	if req.Date != nil {
		measured, err := time.Parse(time.RFC3339, *req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be RFC 3339")
			return
		}
		measuredAt := measured.Unix()
		_, offset := measured.Zone()
		update.MeasuredAt = &measuredAt
		update.TZOffsetSec = &offset
	}

	updated, err := a.orch.UpdateReading(id, update)
	if err != nil {
		writeError(w, http.StatusNotFound, "Reading not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteReading handles DELETE /api/readings/{id}.
func (a *API) DeleteReading(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.orch.DeleteReading(id); err != nil {
		writeError(w, http.StatusNotFound, "Reading not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/sync (full push-then-fetch cycle).
func (a *API) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := a.orch.PerformFullSync(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SyncStatus handles GET /api/sync/status: non-blocking status for the UI.
func (a *API) SyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := a.orch.PendingSyncCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count pending mutations")
		return
	}

	status := map[string]interface{}{
		"online":  a.monitor.Online(),
		"pending": pending,
	}
	if last := a.orch.LastPushResult(); last != nil {
		status["last_push"] = last
	}
	writeJSON(w, http.StatusOK, status)
}

// Stats handles GET /api/stats.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stats.Current())
}

func parseTimeRange(startParam, endParam string) (int64, int64, error) {
	start := int64(0)
	end := time.Now().Unix()

	if startParam != "" {
		t, err := time.Parse(time.RFC3339, startParam)
		if err != nil {
			return 0, 0, errInvalidRange
		}
		start = t.Unix()
	}
	if endParam != "" {
		t, err := time.Parse(time.RFC3339, endParam)
		if err != nil {
			return 0, 0, errInvalidRange
		}
		end = t.Unix()
	}
	return start, end, nil
}

var errInvalidRange = &rangeError{}

type rangeError struct{}

func (*rangeError) Error() string { return "start and end must be RFC 3339 timestamps" }
