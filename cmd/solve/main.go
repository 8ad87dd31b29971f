// Command solve optimizes an instance file from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"fleetroute/internal/config"
	"fleetroute/internal/model"
	"fleetroute/internal/opt"
	"fleetroute/internal/routing"
)

type cliFlags struct {
	instance  string
	out       string
	solver    string
	pop       int
	gens      int
	mutation  float64
	useOSRM   bool
	osrmURL   string
	shift     string
	allShifts bool
	seed      int64
	workers   int
	verbose   bool
}

func main() {
	_ = godotenv.Load()

	var f cliFlags
	fs := flag.NewFlagSet("solve", flag.ExitOnError)
	fs.StringVar(&f.instance, "instance", "", "instance file (.json, .yaml)")
	fs.StringVar(&f.out, "out", "", "write the solution here; .yaml/.yml selects YAML")
	fs.StringVar(&f.solver, "solver", "ga", "ga or baseline")
	fs.IntVar(&f.pop, "pop", 0, "population size")
	fs.IntVar(&f.gens, "generations", 0, "number of generations")
	fs.Float64Var(&f.mutation, "mutation", 0, "mutation rate in [0,1]")
	fs.BoolVar(&f.useOSRM, "use-osrm", false, "resolve segments with OSRM")
	fs.StringVar(&f.osrmURL, "osrm-url", "", "OSRM base URL")
	fs.StringVar(&f.shift, "shift", "", "shift to plan (default: first shift)")
	fs.BoolVar(&f.allShifts, "all-shifts", false, "plan every shift")
	fs.Int64Var(&f.seed, "seed", 0, "random seed (0 = random)")
	fs.IntVar(&f.workers, "workers", 0, "parallel evaluations")
	fs.BoolVar(&f.verbose, "v", false, "debug logging")
	_ = fs.Parse(os.Args[1:])

	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if err := run(f, set); err != nil {
		fmt.Fprintln(os.Stderr, "solve:", err)
		os.Exit(1)
	}
}

func run(f cliFlags, set map[string]bool) error {
	if f.instance == "" {
		return errors.New("-instance is required")
	}
	if f.allShifts && f.shift != "" {
		return errors.New("-shift and -all-shifts are mutually exclusive")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := overlay(cfg.SolverOptions(), f, set)
	if err := opts.Validate(); err != nil {
		return err
	}
	in, err := model.LoadInstance(f.instance)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var solutions map[string]*model.Solution
	switch f.solver {
	case "ga":
		solutions, err = solveGA(ctx, in, opts, f.allShifts, logger)
	case "baseline":
		solutions, err = solveBaseline(ctx, in, opts, f.allShifts, cfg.OSRMOptions(), logger)
	default:
		return fmt.Errorf("unknown solver %q", f.solver)
	}
	// An interrupted search still yields its best solution so far.
	if err != nil && !(errors.Is(err, context.Canceled) && len(solutions) > 0) {
		return err
	}

	printSummary(os.Stdout, solutions)
	if f.out == "" {
		return nil
	}
	for id, sol := range solutions {
		path := f.out
		if len(solutions) > 1 {
			path = shiftPath(f.out, id)
		}
		if err := model.SaveSolution(path, sol); err != nil {
			return err
		}
		logger.Info("solution written", "shift", id, "path", path)
	}
	return nil
}

func overlay(o opt.Options, f cliFlags, set map[string]bool) opt.Options {
	if set["pop"] {
		o.PopulationSize = f.pop
	}
	if set["generations"] {
		o.Generations = f.gens
	}
	if set["mutation"] {
		o.MutationRate = f.mutation
	}
	if set["use-osrm"] {
		o.UseOSRM = f.useOSRM
	}
	if set["osrm-url"] {
		o.OSRMURL = f.osrmURL
	}
	if set["workers"] {
		o.Workers = f.workers
	}
	o.Seed = f.seed
	o.ShiftID = f.shift
	return o
}

func solveGA(ctx context.Context, in *model.Instance, opts opt.Options, all bool, logger *slog.Logger) (map[string]*model.Solution, error) {
	solver := opt.NewSolver(opts, logger)
	solver.OnProgress = func(p opt.Progress) {
		if p.State == opt.StateSelecting {
			logger.Info("generation", "shift", p.ShiftID, "gen", p.Generation, "of", p.Generations, "best", fmt.Sprintf("%.2f", p.BestCost))
		}
	}
	if all {
		return solver.SolveShifts(ctx, in)
	}
	sol, err := solver.Solve(ctx, in)
	if sol == nil {
		return nil, err
	}
	sh, shiftErr := in.Shift(opts.ShiftID)
	if shiftErr != nil {
		return nil, shiftErr
	}
	return map[string]*model.Solution{sh.ID: sol}, err
}

func solveBaseline(ctx context.Context, in *model.Instance, opts opt.Options, all bool, osrm routing.OSRMOptions, logger *slog.Logger) (map[string]*model.Solution, error) {
	var lookup routing.Lookup
	if opts.UseOSRM {
		osrm.BaseURL = opts.OSRMURL
		lookup = routing.NewOSRMClient(osrm)
	}
	provider := routing.NewProvider(lookup, routing.Geometric{SpeedKmh: opts.SpeedKmh}, nil, logger)

	shifts := []string{opts.ShiftID}
	if all {
		shifts = shifts[:0]
		for _, s := range in.Shifts {
			shifts = append(shifts, s.ID)
		}
	}
	out := make(map[string]*model.Solution, len(shifts))
	for _, id := range shifts {
		sh, err := in.Shift(id)
		if err != nil {
			return nil, err
		}
		sol, err := opt.SolveBaseline(ctx, in, sh.ID, provider)
		if err != nil {
			return out, err
		}
		out[sh.ID] = sol
	}
	return out, nil
}

// shiftPath turns plan.json into plan.S1.json.
func shiftPath(path, shiftID string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + shiftID + ext
}

func printSummary(w io.Writer, solutions map[string]*model.Solution) {
	ids := make([]string, 0, len(solutions))
	for id := range solutions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		sol := solutions[id]
		fmt.Fprintf(w, "shift %s: cost %.2f, %d routes, %d passengers served\n", id, sol.TotalCost, len(sol.Routes), sol.Served())
		for _, r := range sol.Reports {
			fmt.Fprintf(w, "  %-10s %-8s %3d pax  %3d empty  %6.1f min  cost %.2f  stops %d",
				r.VehicleID, r.VehicleType, r.PassengersCarried, r.EmptySeats, r.TotalTripTimeMin, r.TotalTripCost, len(r.DepotVisits))
			if len(r.Violations) > 0 {
				fmt.Fprintf(w, "  %v", r.Violations)
			}
			fmt.Fprintln(w)
		}
		depots := make([]string, 0, len(sol.DepotLeftovers))
		for d, n := range sol.DepotLeftovers {
			if n > 0 {
				depots = append(depots, fmt.Sprintf("%s=%d", d, n))
			}
		}
		if len(depots) > 0 {
			slices.Sort(depots)
			fmt.Fprintf(w, "  unserved: %s\n", strings.Join(depots, " "))
		}
	}
}
