package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medlit/classify/backend/pkg/classifier"
	"github.com/medlit/classify/backend/pkg/jobs"
	"github.com/medlit/classify/backend/pkg/progress"
	"github.com/medlit/classify/backend/pkg/registry"
	"github.com/medlit/classify/backend/pkg/runner"
)

// Health check

type healthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Redis     string `json:"redis"`
	Timestamp int64  `json:"timestamp"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Database:  "memory",
		Redis:     "disabled",
		Timestamp: time.Now().Unix(),
	}
	if s.hasDatabase {
		resp.Database = "postgres"
	}
	if s.hasRedis {
		resp.Redis = "connected"
		if _, err := s.runner.ActiveHandles(r.Context()); err != nil {
			resp.Redis = "unreachable"
			resp.Status = "degraded"
		}
	}
	respondJSON(w, resp, http.StatusOK)
}

// Model management

func (s *server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateModelInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	model, err := s.models.CreateModel(r.Context(), in)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, map[string]any{"model": model}, http.StatusCreated)
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	opts := registry.QueryOptions{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	for _, v := range splitParam(r.URL.Query().Get("status")) {
		opts.Status = append(opts.Status, registry.Status(v))
	}
	for _, v := range splitParam(r.URL.Query().Get("family")) {
		family, err := classifier.ParseFamily(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Family = append(opts.Family, family)
	}

	models, err := s.models.ListModels(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"models": models, "total": len(models)}, http.StatusOK)
}

func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model, ok := s.lookupModel(w, r)
	if !ok {
		return
	}
	respondJSON(w, map[string]any{"model": model}, http.StatusOK)
}

func (s *server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	model, ok := s.lookupModel(w, r)
	if !ok {
		return
	}
	if model.Status == registry.StatusTraining {
		respondError(w, http.StatusConflict, "model is training; cancel the job first")
		return
	}
	if err := s.models.DeleteModel(r.Context(), model.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCompareModels(w http.ResponseWriter, r *http.Request) {
	ids := splitParam(r.URL.Query().Get("ids"))
	if len(ids) < 2 {
		respondError(w, http.StatusBadRequest, "at least two model ids are required")
		return
	}

	type row struct {
		ModelID string              `json:"model_id"`
		Name    string              `json:"name"`
		Family  classifier.Family   `json:"family"`
		Status  registry.Status     `json:"status"`
		Metrics *classifier.Metrics `json:"metrics,omitempty"`
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		model, err := s.models.GetModel(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusNotFound, fmt.Sprintf("model %s not found", id))
			return
		}
		rows = append(rows, row{
			ModelID: model.ID,
			Name:    model.Name,
			Family:  model.Family,
			Status:  model.Status,
			Metrics: model.Metrics,
		})
	}

	response := map[string]any{"comparison": rows}

	// A named comparison is kept for later review.
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		saved, err := s.models.SaveComparison(r.Context(), &registry.Comparison{
			Name:     name,
			ModelIDs: ids,
			Results:  map[string]any{"models": rows},
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		response["comparison_id"] = saved.ID
	}
	respondJSON(w, response, http.StatusOK)
}

func (s *server) handleListComparisons(w http.ResponseWriter, r *http.Request) {
	comparisons, err := s.models.ListComparisons(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"comparisons": comparisons}, http.StatusOK)
}

func (s *server) handleGetComparison(w http.ResponseWriter, r *http.Request) {
	comparison, err := s.models.GetComparison(r.Context(), chi.URLParam(r, "comparisonID"))
	if err != nil {
		if errors.Is(err, registry.ErrComparisonNotFound) {
			respondError(w, http.StatusNotFound, "comparison not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, comparison, http.StatusOK)
}

// handleListResults returns stored prediction results for one model, newest
// first.
func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	model, ok := s.lookupModel(w, r)
	if !ok {
		return
	}
	results, err := s.models.ListResults(r.Context(), model.ID, queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"results": results}, http.StatusOK)
}

// Training lifecycle

type trainRequest struct {
	Config map[string]any `json:"config,omitempty"`
	Force  bool           `json:"force,omitempty"`
}

func (s *server) handleTrain(w http.ResponseWriter, r *http.Request) {
	model, ok := s.lookupModel(w, r)
	if !ok {
		return
	}

	var payload trainRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}

	if model.Status == registry.StatusTraining {
		respondError(w, http.StatusConflict, "model is already training")
		return
	}
	if model.Trained() && !payload.Force {
		respondError(w, http.StatusConflict, "model is already trained; pass force to retrain")
		return
	}
	if active, err := s.jobs.Active(r.Context(), model.ID); err == nil {
		respondError(w, http.StatusConflict,
			fmt.Sprintf("model already has an active job (%s)", active.ID))
		return
	}

	job, err := s.submit(r, model.ID, &runner.Task{
		ModelID: model.ID,
		Kind:    string(jobs.KindTrain),
		Params:  payload.Config,
	}, jobs.KindTrain)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"job": job}, http.StatusAccepted)
}

type optimizeRequest struct {
	Trials int    `json:"trials,omitempty"`
	Metric string `json:"metric,omitempty"`
}

func (s *server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	model, ok := s.lookupModel(w, r)
	if !ok {
		return
	}

	var payload optimizeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}

	if model.Status == registry.StatusTraining {
		respondError(w, http.StatusConflict, "model is already training")
		return
	}
	if _, err := s.jobs.Active(r.Context(), model.ID); err == nil {
		respondError(w, http.StatusConflict, "model already has an active job")
		return
	}

	job, err := s.submit(r, model.ID, &runner.Task{
		ModelID: model.ID,
		Kind:    string(jobs.KindOptimize),
		Trials:  payload.Trials,
		Metric:  payload.Metric,
	}, jobs.KindOptimize)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"job": job}, http.StatusAccepted)
}

// submit creates the pending job row first, then hands the task to the
// execution backend under the same handle, so a concurrent second request
// attaches to the existing row instead of starting a duplicate run.
func (s *server) submit(r *http.Request, modelID string, task *runner.Task, kind jobs.Kind) (*jobs.Job, error) {
	task.Handle = uuid.NewString()
	job, _, err := s.jobs.GetOrCreate(r.Context(), modelID, kind, task.Handle)
	if err != nil {
		return nil, err
	}
	if _, err := s.runner.Submit(r.Context(), task); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	return job, nil
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	job, err := s.supervisor.Cancel(r.Context(), modelID)
	if err != nil {
		if errors.Is(err, jobs.ErrNoActiveJob) {
			respondError(w, http.StatusConflict, "model has no active job")
			return
		}
		if errors.Is(err, jobs.ErrConflict) {
			respondError(w, http.StatusConflict, "job already finished")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"job": job}, http.StatusOK)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	job, err := s.jobs.Active(r.Context(), modelID)
	if errors.Is(err, jobs.ErrNoActiveJob) {
		job, err = s.jobs.Latest(r.Context(), modelID)
	}
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			respondError(w, http.StatusNotFound, "model has no jobs")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"job": job}, http.StatusOK)
}

// Prediction

type predictRequest struct {
	Texts     []string `json:"texts"`
	Threshold float64  `json:"threshold,omitempty"`
	Persist   bool     `json:"persist,omitempty"`
}

func (s *server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		respondError(w, http.StatusTooManyRequests, "prediction rate limit exceeded")
		return
	}

	modelID := chi.URLParam(r, "modelID")

	var payload predictRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if len(payload.Texts) == 0 {
		respondError(w, http.StatusBadRequest, "texts is required")
		return
	}

	preds, fallback, err := s.predictor.Predict(r.Context(), modelID, payload.Texts, payload.Threshold)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "model not found")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if payload.Persist {
		for _, p := range preds {
			if _, err := s.models.SaveResult(r.Context(), &registry.Result{
				ModelID:          modelID,
				Title:            p.Text,
				PredictedDomains: p.PredictedDomains,
				Confidences:      p.Confidences,
				AllScores:        p.AllScores,
				Threshold:        p.Threshold,
				InferenceMS:      p.InferenceMS,
				Fallback:         p.Fallback,
			}); err != nil {
				s.logger.Warn("persist prediction result", "model", modelID, "error", err)
			}
		}
	}

	respondJSON(w, map[string]any{"predictions": preds, "fallback": fallback}, http.StatusOK)
}

// Progress streaming

func (s *server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	snaps, cancel := s.hub.SubscribeGlobal()
	defer cancel()
	s.streamSnapshots(w, r, snaps)
}

func (s *server) handleModelStream(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	snaps, cancel := s.hub.SubscribeModel(modelID)
	defer cancel()
	s.streamSnapshots(w, r, snaps)
}

func (s *server) streamSnapshots(w http.ResponseWriter, r *http.Request, snaps <-chan progress.Snapshot) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Helpers

func (s *server) lookupModel(w http.ResponseWriter, r *http.Request) (*registry.Model, bool) {
	modelID := chi.URLParam(r, "modelID")
	model, err := s.models.GetModel(r.Context(), modelID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "model not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return model, true
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, map[string]string{"error": msg}, status)
}

func splitParam(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
