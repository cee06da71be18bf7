package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chronica-ai/timeline/pkg/adjudication"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/export"
	"github.com/chronica-ai/timeline/pkg/gaps"
	"github.com/chronica-ai/timeline/pkg/review"
	"github.com/chronica-ai/timeline/pkg/timeline"
	"github.com/gorilla/mux"
)

type HTTPHandler struct {
	runner        *Runner
	events        *timeline.Repository
	gaps          *gaps.Repository
	adjudications *adjudication.Repository
	decisions     *review.Repository
}

func NewHTTPHandler(runner *Runner, events *timeline.Repository, gapRepo *gaps.Repository, adjudications *adjudication.Repository, decisions *review.Repository) *HTTPHandler {
	return &HTTPHandler{
		runner:        runner,
		events:        events,
		gaps:          gapRepo,
		adjudications: adjudications,
		decisions:     decisions,
	}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/patients/{id}/runs", h.handleRun).Methods(http.MethodPost)
	router.HandleFunc("/runs", h.handleRunMany).Methods(http.MethodPost)
	router.HandleFunc("/patients/{id}/timeline", h.handleTimeline).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/episodes", h.handleEpisodes).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/gaps", h.handleGaps).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/adjudications", h.handleAdjudications).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/export", h.handleExport).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	result, err := h.runner.Run(r.Context(), patientID)
	if err != nil {
		logger.Log.WithError(err).WithField("patient_id", patientID).Error("pipeline run failed")
		http.Error(w, "pipeline run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *HTTPHandler) handleRunMany(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientIDs []string `json:"patient_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.PatientIDs) == 0 {
		http.Error(w, "patient_ids is required", http.StatusBadRequest)
		return
	}

	errs := h.runner.RunMany(r.Context(), req.PatientIDs)
	resp := make(map[string]string, len(errs))
	for id, err := range errs {
		if err != nil {
			resp[id] = err.Error()
		} else {
			resp[id] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *HTTPHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	events, err := h.events.ByPatient(r.Context(), patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load timeline")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func (h *HTTPHandler) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	events, err := h.events.ByPatient(r.Context(), patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load timeline")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Episodes are derived, never stored; recompute from the persisted
	// timeline so the answer always matches the current events.
	episodes, err := h.runner.DetectEpisodes(events)
	if err != nil {
		logger.Log.WithError(err).Error("episode detection failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(episodes)
}

func (h *HTTPHandler) handleGaps(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	gapList, err := h.gaps.ByPatient(r.Context(), patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load gaps")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(gapList)
}

func (h *HTTPHandler) handleAdjudications(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	records, err := h.adjudications.ByPatient(r.Context(), patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load adjudication records")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// handleExport streams the patient's full annotated timeline as CSV for
// manual abstraction workflows.
func (h *HTTPHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	ctx := r.Context()

	events, err := h.events.ByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, timeline.ErrNotFound) {
			http.Error(w, "patient not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load timeline")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	episodes, err := h.runner.DetectEpisodes(events)
	if err != nil {
		logger.Log.WithError(err).Error("episode detection failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	gapList, err := h.gaps.ByPatient(ctx, patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load gaps")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	records, err := h.adjudications.ByPatient(ctx, patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load adjudication records")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	decisions, err := h.decisions.ByPatient(ctx, patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load review decisions")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var dated, undated []models.Event
	for _, event := range events {
		if event.Dated() {
			dated = append(dated, event)
		} else {
			undated = append(undated, event)
		}
	}
	build := models.TimelineBuild{PatientID: patientID, Events: dated, Undated: undated}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=timeline-export.csv")
	if err := export.WriteCSV(w, export.Bundle(build, episodes, gapList, records, decisions)); err != nil {
		logger.Log.WithError(err).Error("csv export failed")
	}
}
