// Package jobs runs optimization requests in the background, one goroutine per
// job, bounded by a concurrency limit.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"fleetroute/internal/metrics"
	"fleetroute/internal/model"
	"fleetroute/internal/opt"
	"fleetroute/internal/routing"
	"fleetroute/internal/store"
)

var ErrJobFinished = errors.New("job already finished")

const (
	EventStatus   = "job.status"
	EventProgress = "job.progress"
	EventLog      = "job.log"
	EventFinished = "job.finished"
)

// Event is pushed to live subscribers of a job.
type Event struct {
	Type  string         `json:"type"`
	JobID string         `json:"jobId"`
	TS    time.Time      `json:"ts"`
	Data  map[string]any `json:"data,omitempty"`
}

// Publisher fans job events out to subscribers.
type Publisher interface {
	Publish(jobID string, evt Event)
}

// Notifier announces finished jobs to their callback.
type Notifier interface {
	JobFinished(ctx context.Context, job *model.Job) (string, error)
}

type Runner struct {
	store    store.Store
	pub      Publisher
	notifier Notifier
	defaults opt.Options
	logger   *slog.Logger

	// Lookup overrides the external router for jobs that enable it.
	Lookup routing.Lookup

	sem     chan struct{}
	base    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRunner(s store.Store, pub Publisher, notifier Notifier, defaults opt.Options, maxConcurrent int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:    s,
		pub:      pub,
		notifier: notifier,
		defaults: defaults,
		logger:   logger.With("component", "jobs"),
		sem:      make(chan struct{}, max(1, maxConcurrent)),
		base:     base,
		stopAll:  cancel,
		cancels:  map[string]context.CancelFunc{},
	}
}

// Defaults returns the solver options jobs start from.
func (r *Runner) Defaults() opt.Options { return r.defaults }

// Options overlays per-job settings on the runner defaults.
func (r *Runner) Options(s model.JobSettings) opt.Options {
	o := r.defaults
	if s.PopulationSize != 0 {
		o.PopulationSize = s.PopulationSize
	}
	if s.Generations != 0 {
		o.Generations = s.Generations
	}
	if s.MutationRate != nil {
		o.MutationRate = *s.MutationRate
	}
	if s.UseOSRM != nil {
		o.UseOSRM = *s.UseOSRM
	}
	if s.OSRMURL != "" {
		o.OSRMURL = s.OSRMURL
	}
	o.Seed = s.Seed
	o.ShiftID = s.ShiftID
	return o
}

// Submit validates the request, persists a queued job and starts it. Validation
// errors are returned before anything is stored.
func (r *Runner) Submit(ctx context.Context, in *model.Instance, settings model.JobSettings, cb *model.Callback) (*model.Job, error) {
	opts := r.Options(settings)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !settings.AllShifts {
		if _, err := in.Shift(settings.ShiftID); err != nil {
			return nil, err
		}
	}
	if r.base.Err() != nil {
		return nil, errors.New("runner is shut down")
	}

	job := &model.Job{
		Status:      model.JobQueued,
		Settings:    settings,
		Callback:    cb,
		Instance:    in,
		Generations: opts.Generations,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	snapshot := *job
	jobCtx, cancel := context.WithCancel(r.base)
	r.mu.Lock()
	r.cancels[job.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(job.ID)
		r.run(jobCtx, job, opts)
	}()
	return &snapshot, nil
}

// Stop cancels a queued or running job. The job settles as stopped with the best
// solutions found so far.
func (r *Runner) Stop(ctx context.Context, id string) (*model.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if !ok {
		// Either queued by a previous process, or it settled after the read above.
		stopped, err := r.store.StopJob(ctx, id, time.Now().UTC())
		if errors.Is(err, store.ErrJobSettled) {
			return stopped, ErrJobFinished
		}
		if err != nil {
			return nil, err
		}
		return stopped, nil
	}
	r.logger.Info("stop requested", "job", id)
	r.appendLog(ctx, id, "Stop requested")
	cancel()
	return job, nil
}

// Shutdown cancels every job and waits for them to settle or ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopAll()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, job *model.Job, opts opt.Options) {
	log := r.logger.With("job", job.ID)
	// Bookkeeping outlives a stop request.
	bg := context.WithoutCancel(ctx)

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		log.Info("job stopped while queued")
		r.finish(bg, job, nil, ctx.Err())
		return
	}
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	now := time.Now().UTC()
	job.Status = model.JobRunning
	job.StartedAt = &now
	r.save(bg, job)
	r.publish(job, EventStatus, map[string]any{"status": job.Status})
	r.appendLog(bg, job.ID, fmt.Sprintf("Job started: population %d, generations %d, mutation rate %.2f, osrm %t",
		opts.PopulationSize, opts.Generations, opts.MutationRate, opts.UseOSRM))
	log.Info("job started", "all_shifts", job.Settings.AllShifts, "shift", opts.ShiftID)

	shifts := []string{opts.ShiftID}
	if job.Settings.AllShifts {
		shifts = shifts[:0]
		for _, s := range job.Instance.Shifts {
			shifts = append(shifts, s.ID)
		}
	} else if sh, err := job.Instance.Shift(opts.ShiftID); err == nil {
		shifts = []string{sh.ID}
	}

	solver := opt.NewSolver(opts, r.logger)
	solver.Lookup = r.Lookup
	solver.OnProgress = func(p opt.Progress) {
		if p.State != opt.StateSelecting && p.State != opt.StateTerminal {
			return
		}
		r.progress(bg, job, shifts, p)
	}

	var (
		solutions map[string]*model.Solution
		err       error
	)
	if job.Settings.AllShifts {
		solutions, err = solver.SolveShifts(ctx, job.Instance)
	} else {
		var sol *model.Solution
		sol, err = solver.Solve(ctx, job.Instance)
		if sol != nil {
			solutions = map[string]*model.Solution{shifts[0]: sol}
		}
	}
	r.finish(bg, job, solutions, err)
}

// progress records a finished generation. Percentages count generations across all shifts.
func (r *Runner) progress(ctx context.Context, job *model.Job, shifts []string, p opt.Progress) {
	done := max(0, slices.Index(shifts, p.ShiftID))
	total := len(shifts) * p.Generations
	job.ShiftID = p.ShiftID
	job.Generation = p.Generation
	job.Generations = p.Generations
	job.BestCost = p.BestCost
	if total > 0 {
		job.Progress = 100 * float64(done*p.Generations+p.Generation) / float64(total)
	}
	r.save(ctx, job)
	r.appendLog(ctx, job.ID, fmt.Sprintf("Shift %s generation %d/%d: best cost %.2f", p.ShiftID, p.Generation, p.Generations, p.BestCost))
	r.publish(job, EventProgress, map[string]any{
		"shiftId":            p.ShiftID,
		"generation":         p.Generation,
		"generations":        p.Generations,
		"progress":           job.Progress,
		"bestCost":           p.BestCost,
		"generationBestCost": p.GenerationBestCost,
		"evaluations":        p.Evaluations,
		"cacheEntries":       p.CacheEntries,
		"cacheHits":          p.CacheHits,
		"cacheMisses":        p.CacheMisses,
	})
}

func (r *Runner) finish(ctx context.Context, job *model.Job, solutions map[string]*model.Solution, err error) {
	log := r.logger.With("job", job.ID)
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Solutions = solutions
	switch {
	case err == nil:
		job.Status = model.JobCompleted
		job.Progress = 100
	case errors.Is(err, context.Canceled):
		job.Status = model.JobStopped
	default:
		job.Status = model.JobFailed
		job.Error = err.Error()
	}
	if job.Status != model.JobFailed && len(solutions) > 0 {
		job.BestCost = job.TotalCost()
	}
	r.save(ctx, job)

	msg := fmt.Sprintf("Job %s: total cost %.2f", job.Status, job.TotalCost())
	if job.Error != "" {
		msg = fmt.Sprintf("Job failed: %s", job.Error)
	}
	r.appendLog(ctx, job.ID, msg)
	r.publish(job, EventFinished, map[string]any{"status": job.Status, "totalCost": job.TotalCost(), "error": job.Error})
	log.Info("job finished", "status", job.Status, "total_cost", job.TotalCost(), "shifts", len(solutions))

	if r.notifier != nil {
		if _, err := r.notifier.JobFinished(ctx, job); err != nil {
			log.Warn("queue callback", "err", err)
		}
	}
}

func (r *Runner) save(ctx context.Context, job *model.Job) {
	if err := r.store.UpdateJob(ctx, job); err != nil {
		r.logger.Warn("update job", "job", job.ID, "err", err)
	}
}

func (r *Runner) appendLog(ctx context.Context, id, line string) {
	if err := r.store.AppendJobLog(ctx, id, line); err != nil {
		r.logger.Warn("append job log", "job", id, "err", err)
	}
	if r.pub != nil {
		r.pub.Publish(id, Event{Type: EventLog, JobID: id, TS: time.Now().UTC(), Data: map[string]any{"line": line}})
	}
}

func (r *Runner) publish(job *model.Job, typ string, data map[string]any) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(job.ID, Event{Type: typ, JobID: job.ID, TS: time.Now().UTC(), Data: data})
}
