package opt

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetroute/internal/geo"
	"fleetroute/internal/model"
	"fleetroute/internal/routing"
)

var flat = routing.Geometric{SpeedKmh: 30}

func newInstance(depots []model.Depot, owned []model.OwnedVehicleType, rented []model.RentedVehicleType) *model.Instance {
	return &model.Instance{
		Factory:  model.Factory{ID: "F", Name: "Plant", Lat: 0, Lon: 0},
		Depots:   depots,
		Shifts:   []model.Shift{{ID: "S1", StartTime: "08:00", MaxRideMinutes: 90}},
		Vehicles: model.Fleet{Owned: owned, Rented: rented},
	}
}

func depot(id string, lat, lon float64, demand int) model.Depot {
	return model.Depot{ID: id, Name: id, Lat: lat, Lon: lon, DemandByShift: map[string]int{"S1": demand}}
}

func smallRun() Options {
	o := DefaultOptions()
	o.PopulationSize = 6
	o.Generations = 4
	o.Seed = 7
	o.Workers = 2
	return o
}

func TestExpandFleet(t *testing.T) {
	f := model.Fleet{
		Owned: []model.OwnedVehicleType{
			{TypeID: "BIG", Capacity: 20, CostPerKm: 2, Count: 1},
			{TypeID: "SMALL", Capacity: 8, CostPerKm: 1, Count: 2},
			{TypeID: "NONE", Capacity: 4, CostPerKm: 1, Count: 0},
		},
		Rented: []model.RentedVehicleType{
			{TypeID: "R40", Capacity: 40, CostPerKm: 3, FixedRentalCost: 200},
			{TypeID: "R10", Capacity: 10, CostPerKm: 1.5, FixedRentalCost: 50, Count: 2},
		},
	}
	got := ExpandFleet(f)

	var types []string
	for _, v := range got {
		types = append(types, v.TypeID)
	}
	assert.Equal(t, []string{"SMALL", "SMALL", "BIG", "R10", "R10", "R40"}, types)
	assert.True(t, got[0].Owned)
	assert.Zero(t, got[2].FixedCost)
	assert.False(t, got[3].Owned)
	assert.Equal(t, 50.0, got[3].FixedCost)
	assert.Equal(t, 200.0, got[5].FixedCost)
}

func TestScenarioSingleDepotAtFactory(t *testing.T) {
	in := newInstance(
		[]model.Depot{depot("D1", 0, 0, 10)},
		[]model.OwnedVehicleType{{TypeID: "VAN", Capacity: 15, CostPerKm: 1, Count: 1}},
		nil,
	)
	sol, err := NewSolver(smallRun(), nil).Solve(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, sol.Routes, 1)
	assert.Equal(t, 10, sol.Routes[0].Passengers)
	assert.Equal(t, []string{"D1"}, sol.Routes[0].DepotIDs)
	assert.Zero(t, sol.Routes[0].Cost)
	assert.Zero(t, sol.TotalCost)
	assert.Equal(t, map[string]int{"D1": 0}, sol.DepotLeftovers)
	assert.Empty(t, sol.Violations)
	require.Len(t, sol.Reports, 1)
	assert.Equal(t, "V1", sol.Reports[0].VehicleID)
	assert.Equal(t, 5, sol.Reports[0].EmptySeats)
}

func TestScenarioInsufficientCapacity(t *testing.T) {
	in := newInstance(
		[]model.Depot{depot("D1", 0.05, 0.05, 20)},
		[]model.OwnedVehicleType{{TypeID: "VAN", Capacity: 10, CostPerKm: 1, Count: 1}},
		nil,
	)
	opts := smallRun()
	opts.PopulationSize = 1
	opts.Generations = 1
	sol, err := NewSolver(opts, nil).Solve(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 10, sol.DepotLeftovers["D1"])
	require.Len(t, sol.Violations, 1)
	v := sol.Violations[0]
	assert.Equal(t, model.ViolationUnservedDemand, v.Kind)
	assert.Equal(t, "D1", v.DepotID)
	assert.Equal(t, 10.0, v.Amount)
	assert.Contains(t, v.Message(), "D1")

	dist := sol.Routes[0].DistanceKm()
	assert.InDelta(t, dist*1+10*DefaultUnservedPenalty, sol.TotalCost, 1e-9)
}

func TestBuildRoutesLargerDemandFirstThenNearest(t *testing.T) {
	// D1 and D2 sit equidistant from the factory on opposite sides.
	in := newInstance([]model.Depot{
		depot("D1", 0.1, 0, 4),
		depot("D2", -0.1, 0, 6),
	}, nil, nil)
	shift := in.Shifts[0]

	vehicles := []model.Vehicle{{TypeID: "VAN", Capacity: 10, CostPerKm: 1, Owned: true}}
	remaining := in.Demands("S1")
	routes := BuildRoutes(context.Background(), in, shift, vehicles, remaining, flat)
	require.Len(t, routes, 1)
	assert.Equal(t, []string{"D2", "D1"}, routes[0].DepotIDs)
	assert.Equal(t, []model.Pickup{{DepotID: "D2", Passengers: 6}, {DepotID: "D1", Passengers: 4}}, routes[0].Pickups)
	assert.Equal(t, []int{0, 0}, remaining)

	require.Len(t, routes[0].Legs, 2)
	assert.Equal(t, "D2", routes[0].Legs[0].From)
	assert.Equal(t, "D1", routes[0].Legs[0].To)
	assert.Equal(t, "F", routes[0].Legs[1].To)

	// A smaller vehicle splits: the larger depot is exhausted first, the rest stays.
	vehicles = []model.Vehicle{{TypeID: "CAR", Capacity: 8, CostPerKm: 1, Owned: true}}
	remaining = in.Demands("S1")
	routes = BuildRoutes(context.Background(), in, shift, vehicles, remaining, flat)
	require.Len(t, routes, 1)
	assert.Equal(t, []model.Pickup{{DepotID: "D2", Passengers: 6}, {DepotID: "D1", Passengers: 2}}, routes[0].Pickups)
	assert.Equal(t, []int{2, 0}, remaining)
}

func TestBuildRoutesVisitsNearestNext(t *testing.T) {
	in := newInstance([]model.Depot{
		depot("D1", 0, 0.1, 5),
		depot("D2", 0, 0.5, 9),
		depot("D3", 0, 0.45, 3),
	}, nil, nil)
	vehicles := []model.Vehicle{{TypeID: "BUS", Capacity: 30, CostPerKm: 2, Owned: true}}

	routes := BuildRoutes(context.Background(), in, in.Shifts[0], vehicles, in.Demands("S1"), flat)
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, []string{"D2", "D3", "D1"}, r.DepotIDs)
	assert.Equal(t, 17, r.Passengers)
	assert.InDelta(t, r.DistanceKm()*2, r.Cost, 1e-9)
	assert.Equal(t, "08:00", r.ArrivalTime)

	wantDepart := model.FormatClock(8*60 - int(r.TripMinutes()+0.5))
	assert.Equal(t, wantDepart, r.DepartureTime)
}

func TestBuildRoutesTieBreaksOnIndexAndDropsIdleVehicles(t *testing.T) {
	in := newInstance([]model.Depot{
		depot("D1", 0.2, 0, 5),
		depot("D2", 0.1, 0, 5),
	}, nil, nil)
	vehicles := []model.Vehicle{
		{TypeID: "A", Capacity: 5, CostPerKm: 1, Owned: true},
		{TypeID: "B", Capacity: 5, CostPerKm: 1, Owned: true},
		{TypeID: "C", Capacity: 5, CostPerKm: 1, Owned: true},
	}
	routes := BuildRoutes(context.Background(), in, in.Shifts[0], vehicles, in.Demands("S1"), flat)
	require.Len(t, routes, 2)
	assert.Equal(t, []string{"D1"}, routes[0].DepotIDs)
	assert.Equal(t, []string{"D2"}, routes[1].DepotIDs)
}

func TestBuildRoutesInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 50; trial++ {
		var depots []model.Depot
		nDepots, nVehicles := 2+rng.IntN(8), 1+rng.IntN(6)
		for i := range nDepots {
			depots = append(depots, depot(
				string(rune('A'+i)), rng.Float64()-0.5, rng.Float64()-0.5, rng.IntN(25)))
		}
		var vehicles []model.Vehicle
		for range nVehicles {
			vehicles = append(vehicles, model.Vehicle{TypeID: "T", Capacity: 1 + rng.IntN(20), CostPerKm: 1, Owned: true})
		}
		in := newInstance(depots, nil, nil)
		demand := in.Demands("S1")
		remaining := in.Demands("S1")

		routes := BuildRoutes(context.Background(), in, in.Shifts[0], vehicles, remaining, flat)
		require.LessOrEqual(t, len(routes), len(vehicles))

		served := map[string]int{}
		for _, r := range routes {
			sum := 0
			seen := map[string]bool{}
			for _, p := range r.Pickups {
				sum += p.Passengers
				assert.False(t, seen[p.DepotID], "depot %s visited twice", p.DepotID)
				seen[p.DepotID] = true
				served[p.DepotID] += p.Passengers
			}
			assert.Equal(t, r.Passengers, sum)
			assert.LessOrEqual(t, r.Passengers, r.Seats)
			assert.Positive(t, r.Passengers)
		}
		for i, d := range in.Depots {
			assert.LessOrEqual(t, served[d.ID], demand[i])
			assert.GreaterOrEqual(t, remaining[i], 0)
			assert.Equal(t, demand[i]-served[d.ID], remaining[i])
		}
	}
}

func TestEvaluatorChargesRentalAndPenalty(t *testing.T) {
	in := newInstance(
		[]model.Depot{depot("D1", 0, 0, 12)},
		nil,
		[]model.RentedVehicleType{{TypeID: "R", Capacity: 10, CostPerKm: 1, FixedRentalCost: 75}},
	)
	e := NewEvaluator(in, in.Shifts[0], flat, 1000)
	sol, cost := e.Evaluate(context.Background(), nil)
	require.Len(t, sol.Routes, 1)
	assert.Equal(t, 75.0, sol.Routes[0].FixedCost)
	assert.Equal(t, 75.0+2*1000, cost)
	assert.Equal(t, cost, sol.TotalCost)
}

func TestSeedPopulationPacksNearestFirst(t *testing.T) {
	in := newInstance([]model.Depot{
		depot("FAR", 0.3, 0, 5),
		depot("NEAR", 0.1, 0, 3),
		depot("IDLE", 0.2, 0, 0),
	}, []model.OwnedVehicleType{{TypeID: "VAN", Capacity: 10, CostPerKm: 1, Count: 1}}, nil)

	pop := SeedPopulation(in, "S1", 4, DefaultSeedIterationCap, rand.New(rand.NewPCG(3, 4)))
	require.Len(t, pop, 4)
	for _, c := range pop {
		assert.ElementsMatch(t, Chromosome{{DepotIndex: 0, Passengers: 5}, {DepotIndex: 1, Passengers: 3}}, c)
	}
}

func TestSeedPopulationSplitsWhenVehicleFills(t *testing.T) {
	in := newInstance([]model.Depot{
		depot("NEAR", 0.1, 0, 6),
		depot("FAR", 0.3, 0, 7),
	}, []model.OwnedVehicleType{{TypeID: "VAN", Capacity: 10, CostPerKm: 1, Count: 1}}, nil)

	pop := SeedPopulation(in, "S1", 1, DefaultSeedIterationCap, rand.New(rand.NewPCG(1, 1)))
	// Round one fills 6 + 4, round two takes the 3 left at FAR.
	assert.ElementsMatch(t, Chromosome{
		{DepotIndex: 0, Passengers: 6},
		{DepotIndex: 1, Passengers: 4},
		{DepotIndex: 1, Passengers: 3},
	}, pop[0])
}

func TestSeedPopulationTerminatesAtIterationCap(t *testing.T) {
	in := newInstance(
		[]model.Depot{depot("D1", 0.1, 0.1, 1000)},
		[]model.OwnedVehicleType{{TypeID: "BIKE", Capacity: 1, CostPerKm: 1, Count: 1}},
		nil,
	)
	rng := rand.New(rand.NewPCG(5, 6))

	pop := SeedPopulation(in, "S1", 2, DefaultSeedIterationCap, rng)
	for _, c := range pop {
		assert.Len(t, c, DefaultSeedIterationCap)
		assert.Equal(t, DefaultSeedIterationCap, c.Passengers())
	}

	pop = SeedPopulation(in, "S1", 1, 5000, rng)
	assert.Equal(t, 1000, pop[0].Passengers())
}

func TestSeedPopulationWithoutFittingVehicleUsesLargest(t *testing.T) {
	in := newInstance(
		[]model.Depot{depot("D1", 0.1, 0.1, 25)},
		nil,
		[]model.RentedVehicleType{{TypeID: "R8", Capacity: 8}, {TypeID: "R12", Capacity: 12}},
	)
	pop := SeedPopulation(in, "S1", 1, DefaultSeedIterationCap, rand.New(rand.NewPCG(1, 2)))
	assert.ElementsMatch(t, Chromosome{
		{DepotIndex: 0, Passengers: 12},
		{DepotIndex: 0, Passengers: 12},
		{DepotIndex: 0, Passengers: 1},
	}, pop[0])
}

func TestCrossover(t *testing.T) {
	a := Chromosome{{DepotIndex: 0, Passengers: 1}, {DepotIndex: 1, Passengers: 2}, {DepotIndex: 2, Passengers: 3}}
	b := Chromosome{{DepotIndex: 1, Passengers: 2}, {DepotIndex: 3, Passengers: 4}, {DepotIndex: 0, Passengers: 9}}
	rng := rand.New(rand.NewPCG(9, 9))

	for i := 0; i < 50; i++ {
		child := crossover(a, b, rng)
		cut := 0
		for cut < len(a) && cut < len(child) && child[cut] == a[cut] {
			cut++
		}
		prefix := a[:cut]
		var want Chromosome
		want = append(want, prefix...)
		for _, g := range b {
			if !containsGene(prefix, g) {
				want = append(want, g)
			}
		}
		assert.Equal(t, want, child)
	}
	// Parents are untouched.
	assert.Equal(t, Chromosome{{DepotIndex: 0, Passengers: 1}, {DepotIndex: 1, Passengers: 2}, {DepotIndex: 2, Passengers: 3}}, a)
}

func containsGene(c Chromosome, g model.Assignment) bool {
	for _, x := range c {
		if x == g {
			return true
		}
	}
	return false
}

func TestMutate(t *testing.T) {
	demand := []int{50, 3}
	rng := rand.New(rand.NewPCG(11, 12))

	for i := 0; i < 50; i++ {
		c := Chromosome{{DepotIndex: 0, Passengers: 50}, {DepotIndex: 1, Passengers: 1}}
		mutate(c, demand, 1, rng)
		assert.Contains(t, []int{45, 50}, c[0].Passengers)
		assert.Contains(t, []int{1, 2}, c[1].Passengers)
	}

	c := Chromosome{{DepotIndex: 0, Passengers: 20}}
	mutate(c, demand, 0, rng)
	assert.Equal(t, 20, c[0].Passengers)
}

func TestTournamentPicksCheapest(t *testing.T) {
	pop := []scored{
		{chromosome: Chromosome{{DepotIndex: 0, Passengers: 1}}, cost: 30},
		{chromosome: Chromosome{{DepotIndex: 0, Passengers: 2}}, cost: 10},
		{chromosome: Chromosome{{DepotIndex: 0, Passengers: 3}}, cost: 20},
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 10; i++ {
		assert.Equal(t, Chromosome{{DepotIndex: 0, Passengers: 2}}, tournament(pop, rng))
	}
	assert.Equal(t, Chromosome{{DepotIndex: 0, Passengers: 1}}, tournament(pop[:1], rng))
}

func multiDepotInstance() *model.Instance {
	in := newInstance([]model.Depot{
		depot("D1", 0.10, 0.02, 7),
		depot("D2", 0.12, 0.05, 4),
		depot("D3", -0.08, 0.01, 9),
		depot("D4", 0.02, -0.11, 3),
	}, []model.OwnedVehicleType{
		{TypeID: "VAN", Capacity: 8, CostPerKm: 1.1, Count: 2},
	}, []model.RentedVehicleType{
		{TypeID: "BUS", Capacity: 20, CostPerKm: 2, FixedRentalCost: 40},
	})
	in.Shifts[0].MaxRideMinutes = 180
	return in
}

func TestSolveBestCostNeverIncreases(t *testing.T) {
	var events []Progress
	s := NewSolver(smallRun(), nil)
	s.OnProgress = func(p Progress) { events = append(events, p) }

	sol, err := s.Solve(context.Background(), multiDepotInstance())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	assert.Equal(t, StateSeeded, events[0].State)
	assert.Equal(t, StateTerminal, events[len(events)-1].State)
	assert.Equal(t, 4, events[len(events)-1].Generation)
	assert.Equal(t, int64(4*6), events[len(events)-1].Evaluations)

	var bests []float64
	for _, e := range events {
		if e.State == StateSelecting || e.State == StateTerminal {
			bests = append(bests, e.BestCost)
		}
	}
	require.Len(t, bests, 4)
	for i := 1; i < len(bests); i++ {
		assert.LessOrEqual(t, bests[i], bests[i-1])
	}
	assert.InDelta(t, events[len(events)-1].BestCost, sol.TotalCost, 1e-9)
	assert.Equal(t, 23, sol.Served())
	assert.Empty(t, sol.Violations)
}

func TestSolveRejectsBadConfiguration(t *testing.T) {
	in := multiDepotInstance()

	opts := smallRun()
	opts.PopulationSize = 0
	_, err := NewSolver(opts, nil).Solve(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	opts = smallRun()
	opts.MutationRate = 1.5
	_, err = NewSolver(opts, nil).Solve(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	empty := multiDepotInstance()
	empty.Vehicles = model.Fleet{}
	_, err = NewSolver(smallRun(), nil).Solve(context.Background(), empty)
	assert.ErrorIs(t, err, model.ErrNoVehicles)

	opts = smallRun()
	opts.ShiftID = "NIGHT"
	_, err = NewSolver(opts, nil).Solve(context.Background(), in)
	assert.ErrorIs(t, err, model.ErrUnknownShift)
}

func TestSolveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sol, err := NewSolver(smallRun(), nil).Solve(ctx, multiDepotInstance())
	assert.Nil(t, sol)
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var last Progress
	s := NewSolver(smallRun(), nil)
	s.OnProgress = func(p Progress) {
		last = p
		if p.Generation == 2 && p.State == StateSelecting {
			cancel()
		}
	}
	sol, err = s.Solve(ctx, multiDepotInstance())
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sol)
	assert.NotEmpty(t, sol.Routes)
	assert.NotNil(t, sol.DepotLeftovers)
	assert.Equal(t, 2, last.Generation)
}

func TestEvaluatePopulationSkipsWorkAfterCancel(t *testing.T) {
	in := multiDepotInstance()
	eval := NewEvaluator(in, in.Shifts[0], flat, DefaultUnservedPenalty)
	population := SeedPopulation(in, "S1", 5, 100, rand.New(rand.NewPCG(1, 2)))

	var counter atomic.Int64
	pop, err := evaluatePopulation(context.Background(), eval, population, 2, &counter)
	require.NoError(t, err)
	require.Len(t, pop, len(population))
	assert.Equal(t, int64(len(population)), counter.Load())
	for _, sc := range pop {
		assert.NotNil(t, sc.solution)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	counter.Store(0)
	pop, err = evaluatePopulation(ctx, eval, population, 2, &counter)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, pop)
	assert.Zero(t, counter.Load())
}

type countingLookup struct {
	mu    sync.Mutex
	calls map[routing.Key]int
	fail  bool
}

func (c *countingLookup) Route(_ context.Context, coords []geo.Coordinate) (routing.Segment, error) {
	c.mu.Lock()
	c.calls[routing.KeyFor(coords[0], coords[1])]++
	c.mu.Unlock()
	if c.fail {
		return routing.Segment{}, errors.New("router down")
	}
	d := geo.Distance(coords[0], coords[1]) * 1.4
	return routing.Segment{DistanceKm: d, TimeMin: d * 1.5, Path: coords}, nil
}

func TestSolveLooksUpEachSegmentOnce(t *testing.T) {
	lookup := &countingLookup{calls: map[routing.Key]int{}}
	opts := smallRun()
	opts.UseOSRM = true
	opts.Workers = 8
	opts.PopulationSize = 12
	s := NewSolver(opts, nil)
	s.Lookup = lookup
	var last Progress
	s.OnProgress = func(p Progress) { last = p }

	sol, err := s.Solve(context.Background(), multiDepotInstance())
	require.NoError(t, err)
	require.NotEmpty(t, lookup.calls)
	for k, n := range lookup.calls {
		assert.Equal(t, 1, n, "segment %s", k)
	}
	assert.Equal(t, StateTerminal, last.State)
	assert.Equal(t, int64(len(lookup.calls)), last.CacheMisses)
	assert.Equal(t, len(lookup.calls), last.CacheEntries)
	assert.Positive(t, last.CacheHits)

	// Distances come from the lookup, not the straight line.
	leg := sol.Routes[0].Legs[0]
	in := multiDepotInstance()
	var from, to geo.Coordinate
	for _, d := range in.Depots {
		if d.ID == leg.From {
			from = d.Coord()
		}
		if d.ID == leg.To {
			to = d.Coord()
		}
	}
	if leg.To == "F" {
		to = in.Factory.Coord()
	}
	assert.InDelta(t, geo.Distance(from, to)*1.4, leg.DistanceKm, 1e-9)
}

func TestSolveFallsBackWhenLookupFails(t *testing.T) {
	in := multiDepotInstance()

	plain, err := NewSolver(smallRun(), nil).Solve(context.Background(), in)
	require.NoError(t, err)

	opts := smallRun()
	opts.UseOSRM = true
	s := NewSolver(opts, nil)
	s.Lookup = &countingLookup{calls: map[routing.Key]int{}, fail: true}
	degraded, err := s.Solve(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, plain.Routes, degraded.Routes)
	assert.Equal(t, plain.TotalCost, degraded.TotalCost)
}

func TestSolveShifts(t *testing.T) {
	in := multiDepotInstance()
	in.Shifts = append(in.Shifts, model.Shift{ID: "S2", StartTime: "16:00", MaxRideMinutes: 60})
	in.Depots[0].DemandByShift["S2"] = 5

	out, err := NewSolver(smallRun(), nil).SolveShifts(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 23, out["S1"].Served())
	assert.Equal(t, 5, out["S2"].Served())
	assert.Equal(t, "S2", out["S2"].Routes[0].ShiftID)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	bad := []func(o *Options){
		func(o *Options) { o.Generations = 0 },
		func(o *Options) { o.MutationRate = -0.1 },
		func(o *Options) { o.SpeedKmh = -5 },
		func(o *Options) { o.Workers = -1 },
		func(o *Options) { o.UnservedPenalty = -1 },
	}
	for _, mutateOpts := range bad {
		o := DefaultOptions()
		mutateOpts(&o)
		assert.ErrorIs(t, o.Validate(), ErrInvalidOptions)
	}
}
