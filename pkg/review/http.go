package review

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chronica-ai/timeline/pkg/adjudication"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/extraction"
	"github.com/chronica-ai/timeline/pkg/gaps"
	"github.com/chronica-ai/timeline/pkg/observability/metrics"
	"github.com/gorilla/mux"
)

// HTTPHandler is the API front end over review sessions. The reviewer
// identity comes from the X-Reviewer header; each request gets a fresh
// session, since sessions hold no state of their own.
type HTTPHandler struct {
	decisions   *Repository
	gaps        GapStore
	tiers       Reopener
	oracle      extraction.Oracle
	adjudicator *adjudication.Adjudicator
}

func NewHTTPHandler(decisions *Repository, gapStore GapStore, tiers Reopener, oracle extraction.Oracle, adjudicator *adjudication.Adjudicator) *HTTPHandler {
	return &HTTPHandler{
		decisions:   decisions,
		gaps:        gapStore,
		tiers:       tiers,
		oracle:      oracle,
		adjudicator: adjudicator,
	}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/review/queue", h.handleQueue).Methods(http.MethodGet)
	router.HandleFunc("/review/gaps/{id}/approve", h.handleApprove).Methods(http.MethodPost)
	router.HandleFunc("/review/gaps/{id}/override", h.handleOverride).Methods(http.MethodPost)
	router.HandleFunc("/review/gaps/{id}/skip", h.handleSkip).Methods(http.MethodPost)
	router.HandleFunc("/review/gaps/{id}/sources", h.handleMoreSources).Methods(http.MethodPost)
	router.HandleFunc("/review/gaps/{id}/explain", h.handleExplain).Methods(http.MethodPost)
	router.HandleFunc("/review/gaps/{id}/decisions", h.handleDecisions).Methods(http.MethodGet)
	router.HandleFunc("/review/ask", h.handleAsk).Methods(http.MethodPost)
}

func (h *HTTPHandler) session(r *http.Request) *Session {
	reviewer := r.Header.Get("X-Reviewer")
	if reviewer == "" {
		reviewer = "anonymous"
	}
	return NewSession(reviewer, h.decisions, h.gaps, h.tiers, h.oracle, h.adjudicator)
}

func (h *HTTPHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.session(r).Pending(r.Context(), r.URL.Query().Get("patient_id"))
	if err != nil {
		logger.Log.WithError(err).Error("failed to load review queue")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(queue)
}

func (h *HTTPHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	decision, err := h.session(r).Approve(r.Context(), mux.Vars(r)["id"])
	h.writeDecision(w, decision, err)
}

func (h *HTTPHandler) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	decision, err := h.session(r).Override(r.Context(), mux.Vars(r)["id"], req.Value)
	h.writeDecision(w, decision, err)
}

func (h *HTTPHandler) handleSkip(w http.ResponseWriter, r *http.Request) {
	decision, err := h.session(r).Skip(r.Context(), mux.Vars(r)["id"])
	h.writeDecision(w, decision, err)
}

func (h *HTTPHandler) handleMoreSources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidates []models.Candidate `json:"candidates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Candidates) == 0 {
		http.Error(w, "candidates are required", http.StatusBadRequest)
		return
	}

	record, decision, err := h.session(r).RequestMoreSources(r.Context(), mux.Vars(r)["id"], req.Candidates)
	if err != nil {
		h.writeDecision(w, nil, err)
		return
	}
	metrics.AddReviewDecisions(1)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"adjudication": record,
		"decision":     decision,
	})
}

func (h *HTTPHandler) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Evidence string `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	gap, err := h.gaps.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, gaps.ErrNotFound) {
			http.Error(w, "gap not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load gap")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	explanation, err := h.session(r).Explain(r.Context(), gap, req.Evidence)
	if err != nil {
		logger.Log.WithError(err).Error("explain request failed")
		http.Error(w, "extraction oracle unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"explanation": explanation})
}

func (h *HTTPHandler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
		Evidence string `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	answer, err := h.session(r).Ask(r.Context(), req.Question, req.Evidence)
	if err != nil {
		logger.Log.WithError(err).Error("ask request failed")
		http.Error(w, "extraction oracle unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"answer": answer})
}

func (h *HTTPHandler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.decisions.ByGap(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		logger.Log.WithError(err).Error("failed to load decisions")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decisions)
}

func (h *HTTPHandler) writeDecision(w http.ResponseWriter, decision *models.ReviewDecision, err error) {
	if err != nil {
		switch {
		case errors.Is(err, gaps.ErrNotFound):
			http.Error(w, "gap not found", http.StatusNotFound)
		case errors.Is(err, ErrGapNotPending):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			logger.Log.WithError(err).Error("failed to apply review decision")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	metrics.AddReviewDecisions(1)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}
