package opt

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetroute/internal/metrics"
	"fleetroute/internal/model"
	"fleetroute/internal/routing"
)

// State is the search state reported through Progress.
type State string

const (
	StateSeeded      State = "seeded"
	StateEvaluating  State = "evaluating"
	StateSelecting   State = "selecting"
	StateReproducing State = "reproducing"
	StateTerminal    State = "terminal"
)

// Progress is a snapshot of a running search. Costs are zero until the first
// generation has been evaluated.
type Progress struct {
	ShiftID            string  `json:"shiftId"`
	State              State   `json:"state"`
	Generation         int     `json:"generation"`
	Generations        int     `json:"generations"`
	BestCost           float64 `json:"bestCost"`
	GenerationBestCost float64 `json:"generationBestCost"`
	Evaluations        int64   `json:"evaluations"`
	CacheEntries       int     `json:"cacheEntries"`
	CacheHits          int64   `json:"cacheHits"`
	CacheMisses        int64   `json:"cacheMisses"`
}

// Solver runs the genetic search. A Solver may be reused; every Solve call gets
// its own segment cache and random source.
type Solver struct {
	opts   Options
	logger *slog.Logger

	// Lookup overrides the external router used when UseOSRM is set.
	Lookup routing.Lookup
	// OnProgress is called from the search goroutine at every state change.
	OnProgress func(Progress)
}

func NewSolver(opts Options, logger *slog.Logger) *Solver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Solver{opts: opts, logger: logger.With("component", "optimizer")}
}

func (s *Solver) Options() Options { return s.opts }

type scored struct {
	chromosome Chromosome
	solution   *model.Solution
	cost       float64
}

// Solve searches one shift (Options.ShiftID, or the first shift) and returns the
// reported best solution found across all generations. Configuration errors are
// returned before the search starts. Cancellation is checked between generations
// and before each evaluation; a cancelled run returns its best solution from the
// last complete generation together with ctx.Err().
func (s *Solver) Solve(ctx context.Context, in *model.Instance) (*model.Solution, error) {
	if err := s.opts.Validate(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	opts := s.opts.withDefaults()
	shift, err := in.Shift(opts.ShiftID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	log := s.logger.With("shift", shift.ID)
	rng := newRNG(opts.Seed)
	cache := routing.NewCache()
	provider := routing.NewProvider(s.lookup(opts), routing.Geometric{SpeedKmh: opts.SpeedKmh}, cache, s.logger)
	eval := NewEvaluator(in, shift, provider, opts.UnservedPenalty)
	demand := in.Demands(shift.ID)

	log.Info("search started",
		"population", opts.PopulationSize, "generations", opts.Generations,
		"mutation_rate", opts.MutationRate, "use_osrm", opts.UseOSRM, "workers", opts.Workers)

	var evaluations atomic.Int64
	progress := Progress{ShiftID: shift.ID, Generations: opts.Generations}
	emit := func(st State) {
		progress.State = st
		progress.Evaluations = evaluations.Load()
		stats := cache.Stats()
		progress.CacheEntries, progress.CacheHits, progress.CacheMisses = stats.Entries, stats.Hits, stats.Misses
		if s.OnProgress != nil {
			s.OnProgress(progress)
		}
	}

	population := SeedPopulation(in, shift.ID, opts.PopulationSize, opts.SeedIterationCap, rng)
	emit(StateSeeded)

	var best *model.Solution
	bestCost := math.Inf(1)

	for gen := 1; gen <= opts.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return s.finish(log, in, shift, best, started, cache, err)
		}

		progress.Generation = gen
		emit(StateEvaluating)
		pop, err := evaluatePopulation(ctx, eval, population, opts.Workers, &evaluations)
		if err != nil {
			return s.finish(log, in, shift, best, started, cache, err)
		}
		metrics.OptimizerEvaluations.Add(float64(len(pop)))

		genBest := math.Inf(1)
		for _, sc := range pop {
			genBest = min(genBest, sc.cost)
			if sc.cost < bestCost {
				best, bestCost = sc.solution, sc.cost
			}
		}
		progress.BestCost, progress.GenerationBestCost = bestCost, genBest
		metrics.OptimizerGenerations.Inc()
		log.Debug("generation evaluated", "generation", gen, "generation_best", genBest, "best_cost", bestCost, "cache_entries", cache.Len())

		if gen == opts.Generations {
			break
		}

		emit(StateSelecting)
		parents := make([][2]Chromosome, opts.PopulationSize)
		for i := range parents {
			parents[i] = [2]Chromosome{tournament(pop, rng), tournament(pop, rng)}
		}

		emit(StateReproducing)
		next := make([]Chromosome, 0, opts.PopulationSize)
		for _, p := range parents {
			child := crossover(p[0], p[1], rng)
			mutate(child, demand, opts.MutationRate, rng)
			next = append(next, child)
		}
		population = next
		emit(StateSeeded)
	}

	emit(StateTerminal)
	return s.finish(log, in, shift, best, started, cache, nil)
}

func (s *Solver) finish(log *slog.Logger, in *model.Instance, shift model.Shift, best *model.Solution, started time.Time, cache *routing.Cache, err error) (*model.Solution, error) {
	status := "completed"
	if err != nil {
		status = "stopped"
	}
	metrics.OptimizerRuns.WithLabelValues(status).Inc()
	metrics.OptimizerDuration.Observe(time.Since(started).Seconds())

	if best == nil {
		log.Info("search stopped before first generation", "error", err)
		return nil, err
	}
	sol := Report(best, in, shift)
	stats := cache.Stats()
	log.Info("search finished", "status", status, "total_cost", sol.TotalCost,
		"routes", len(sol.Routes), "violations", len(sol.Violations), "elapsed", time.Since(started),
		"cache_entries", stats.Entries, "cache_hits", stats.Hits, "cache_misses", stats.Misses)
	return sol, err
}

// SolveShifts runs one independent search per shift, each with its own cache.
// On cancellation the solutions finished so far are returned with the error.
func (s *Solver) SolveShifts(ctx context.Context, in *model.Instance) (map[string]*model.Solution, error) {
	if len(in.Shifts) == 0 {
		return nil, model.ErrNoShifts
	}
	out := make(map[string]*model.Solution, len(in.Shifts))
	for _, sh := range in.Shifts {
		opts := s.opts
		opts.ShiftID = sh.ID
		sub := &Solver{opts: opts, logger: s.logger, Lookup: s.Lookup, OnProgress: s.OnProgress}
		sol, err := sub.Solve(ctx, in)
		if sol != nil {
			out[sh.ID] = sol
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			return nil, err
		}
	}
	return out, nil
}

func (s *Solver) lookup(opts Options) routing.Lookup {
	if !opts.UseOSRM {
		return nil
	}
	if s.Lookup != nil {
		return s.Lookup
	}
	return routing.NewOSRMClient(routing.OSRMOptions{
		BaseURL:           opts.OSRMURL,
		Timeout:           opts.OSRMTimeout,
		RequestsPerSecond: opts.OSRMRequestsPerSecond,
		Retries:           opts.OSRMRetries,
	})
}

// evaluatePopulation scores every chromosome on a bounded worker pool. Results
// keep population order. Once ctx is done the remaining chromosomes are skipped
// and the partial generation is discarded.
func evaluatePopulation(ctx context.Context, eval *Evaluator, population []Chromosome, workers int, counter *atomic.Int64) ([]scored, error) {
	out := make([]scored, len(population))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, c := range population {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sol, cost := eval.Evaluate(ctx, c)
			out[i] = scored{chromosome: c, solution: sol, cost: cost}
			counter.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// tournament samples up to three distinct entries and returns the cheapest,
// first sampled on ties.
func tournament(pop []scored, rng *rand.Rand) Chromosome {
	k := min(3, len(pop))
	picks := rng.Perm(len(pop))[:k]
	best := picks[0]
	for _, i := range picks[1:] {
		if pop[i].cost < pop[best].cost {
			best = i
		}
	}
	return pop[best].chromosome
}

func newRNG(seed int64) *rand.Rand {
	s := uint64(seed)
	if seed == 0 {
		s = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}
