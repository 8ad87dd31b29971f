package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fleetroute/internal/buildinfo"
	"fleetroute/internal/jobs"
	"fleetroute/internal/model"
	"fleetroute/internal/opt"
	"fleetroute/internal/routing"
	"fleetroute/internal/store"
)

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateOptimizeRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
		return
	}
	var cb *model.Callback
	if req.Callback != nil {
		cb = &model.Callback{URL: req.Callback.URL, Secret: req.Callback.Secret}
	}
	job, err := s.Runner.Submit(r.Context(), req.Instance, req.Settings, cb)
	if err != nil {
		if isInputError(err) {
			writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Submit job failed", err.Error(), r.URL.Path)
		return
	}
	if p, ok := PrincipalFrom(r.Context()); ok {
		s.Logger.Info("job submitted", "job", job.ID, "by", p.Subject)
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status})
}

type jobSummary struct {
	ID          string          `json:"id"`
	Status      model.JobStatus `json:"status"`
	Progress    float64         `json:"progress"`
	Generation  int             `json:"generation"`
	Generations int             `json:"generations"`
	BestCost    float64         `json:"bestCost"`
	CreatedAt   time.Time       `json:"createdAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// ListJobsHandler handles GET /v1/jobs
func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be a non-negative integer", r.URL.Path)
			return
		}
		limit = n
	}
	list, err := s.Store.ListJobs(r.Context(), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List jobs failed", err.Error(), r.URL.Path)
		return
	}
	items := make([]jobSummary, 0, len(list))
	for _, j := range list {
		items = append(items, jobSummary{
			ID: j.ID, Status: j.Status, Progress: j.Progress, Generation: j.Generation,
			Generations: j.Generations, BestCost: j.BestCost, CreatedAt: j.CreatedAt, FinishedAt: j.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetJobHandler handles GET /v1/jobs/{id}
func (s *Server) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// JobSolutionHandler handles GET /v1/jobs/{id}/solution?shift=S1&format=yaml
func (s *Server) JobSolutionHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	shift := r.URL.Query().Get("shift")
	if shift == "" && len(job.Solutions) == 1 {
		for id := range job.Solutions {
			shift = id
		}
	}
	sol := job.Solutions[shift]
	if sol == nil {
		writeProblem(w, http.StatusNotFound, "Solution not found", "no solution for shift "+strconv.Quote(shift), r.URL.Path)
		return
	}
	format := model.FormatJSON
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Query().Get("format") == "yaml" {
		format = model.FormatYAML
		w.Header().Set("Content-Type", "application/yaml")
	}
	if err := model.EncodeSolution(w, sol, format); err != nil {
		s.Logger.Warn("encode solution", "job", job.ID, "err", err)
	}
}

// StopJobHandler handles POST /v1/jobs/{id}/stop
func (s *Server) StopJobHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.Runner.Stop(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Job not found", "", r.URL.Path)
	case errors.Is(err, jobs.ErrJobFinished):
		writeProblem(w, http.StatusConflict, "Job already finished", "job is "+string(job.Status), r.URL.Path)
	case err != nil:
		writeProblem(w, http.StatusInternalServerError, "Stop job failed", err.Error(), r.URL.Path)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id, "status": "stopping"})
	}
}

// BaselineHandler handles POST /v1/baseline. It answers synchronously.
func (s *Server) BaselineHandler(w http.ResponseWriter, r *http.Request) {
	var req baselineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateBaselineRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid baseline request", err.Error(), r.URL.Path)
		return
	}
	if err := req.Instance.Validate(); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid baseline request", err.Error(), r.URL.Path)
		return
	}

	shifts := []string{req.ShiftID}
	if req.AllShifts {
		shifts = shifts[:0]
		for _, sh := range req.Instance.Shifts {
			shifts = append(shifts, sh.ID)
		}
	}
	provider := s.baselineProvider()
	out := make(map[string]*model.Solution, len(shifts))
	for _, id := range shifts {
		sol, err := opt.SolveBaseline(r.Context(), req.Instance, id, provider)
		if err != nil {
			if isInputError(err) {
				writeProblem(w, http.StatusBadRequest, "Invalid baseline request", err.Error(), r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Baseline failed", err.Error(), r.URL.Path)
			return
		}
		if id == "" {
			id = req.Instance.Shifts[0].ID
		}
		out[id] = sol
	}
	writeJSON(w, http.StatusOK, map[string]any{"solutions": out})
}

func (s *Server) baselineProvider() routing.Provider {
	o := s.Runner.Defaults()
	speed := o.SpeedKmh
	var lookup routing.Lookup
	if o.UseOSRM {
		lookup = s.Lookup
		if lookup == nil {
			lookup = routing.NewOSRMClient(routing.OSRMOptions{
				BaseURL:           o.OSRMURL,
				Timeout:           o.OSRMTimeout,
				RequestsPerSecond: o.OSRMRequestsPerSecond,
				Retries:           o.OSRMRetries,
			})
		}
	}
	return routing.NewProvider(lookup, routing.Geometric{SpeedKmh: speed}, nil, s.Logger)
}

// OptimizerConfigHandler returns the solver defaults applied to jobs without overrides.
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"defaults": s.Runner.Defaults()})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	job, err := s.Store.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Job not found", "", r.URL.Path)
		return nil, false
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load job failed", err.Error(), r.URL.Path)
		return nil, false
	}
	return job, true
}

func isInputError(err error) bool {
	return model.IsInputError(err) || errors.Is(err, opt.ErrInvalidOptions)
}
