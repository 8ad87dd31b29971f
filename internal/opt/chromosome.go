package opt

import (
	"math/rand/v2"
	"slices"

	"fleetroute/internal/geo"
	"fleetroute/internal/model"
)

// Chromosome is an unordered set of soft assignment hints. It records how much
// demand is nominally packed per depot, never which vehicle carries it or in what
// order; route construction recomputes that binding on every evaluation.
type Chromosome []model.Assignment

// Passengers sums the nominal passengers across all genes.
func (c Chromosome) Passengers() int {
	total := 0
	for _, a := range c {
		total += a.Passengers
	}
	return total
}

// SeedPopulation builds size chromosomes with the demand-driven greedy packer.
// Each packing loop runs at most iterationCap rounds, so a fleet too small for
// the demand still terminates with some demand left unassigned.
func SeedPopulation(in *model.Instance, shiftID string, size, iterationCap int, rng *rand.Rand) []Chromosome {
	owned := make([]model.OwnedVehicleType, 0, len(in.Vehicles.Owned))
	for _, o := range in.Vehicles.Owned {
		if o.Count > 0 {
			owned = append(owned, o)
		}
	}
	slices.SortStableFunc(owned, func(a, b model.OwnedVehicleType) int { return a.Capacity - b.Capacity })
	rented := slices.Clone(in.Vehicles.Rented)
	slices.SortStableFunc(rented, func(a, b model.RentedVehicleType) int { return a.Capacity - b.Capacity })

	byFactory := depotsByFactoryDistance(in)

	pop := make([]Chromosome, 0, size)
	for range size {
		remaining := in.Demands(shiftID)
		var genes Chromosome

		for iter := 0; iter < iterationCap && anyPositive(remaining); iter++ {
			need := minPositive(remaining)

			capacity, ok := smallestFitting(owned, rented, need)
			if ok {
				load := 0
				for _, i := range byFactory {
					n := remaining[i]
					if n <= 0 {
						continue
					}
					if load+n <= capacity {
						genes = append(genes, model.Assignment{DepotIndex: i, Passengers: n})
						load += n
						remaining[i] = 0
						continue
					}
					if fit := capacity - load; fit > 0 {
						genes = append(genes, model.Assignment{DepotIndex: i, Passengers: fit})
						remaining[i] -= fit
					}
					break
				}
				continue
			}

			capacity, ok = largest(owned, rented)
			if !ok {
				break
			}
			for i, n := range remaining {
				if n > 0 {
					take := min(n, capacity)
					genes = append(genes, model.Assignment{DepotIndex: i, Passengers: take})
					remaining[i] -= take
					break
				}
			}
		}

		rng.Shuffle(len(genes), func(i, j int) { genes[i], genes[j] = genes[j], genes[i] })
		pop = append(pop, genes)
	}
	return pop
}

// depotsByFactoryDistance orders depot indexes nearest-first to the factory.
func depotsByFactoryDistance(in *model.Instance) []int {
	factory := in.Factory.Coord()
	dist := make([]float64, len(in.Depots))
	idx := make([]int, len(in.Depots))
	for i, d := range in.Depots {
		idx[i] = i
		dist[i] = geo.Distance(d.Coord(), factory)
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case dist[a] < dist[b]:
			return -1
		case dist[a] > dist[b]:
			return 1
		}
		return 0
	})
	return idx
}

// smallestFitting prefers the smallest owned type that holds need, then the smallest rented one.
func smallestFitting(owned []model.OwnedVehicleType, rented []model.RentedVehicleType, need int) (int, bool) {
	for _, o := range owned {
		if o.Capacity >= need {
			return o.Capacity, true
		}
	}
	for _, r := range rented {
		if r.Capacity >= need {
			return r.Capacity, true
		}
	}
	return 0, false
}

// largest returns the biggest owned capacity, else the biggest rented one. Inputs are sorted ascending.
func largest(owned []model.OwnedVehicleType, rented []model.RentedVehicleType) (int, bool) {
	if len(owned) > 0 {
		return owned[len(owned)-1].Capacity, true
	}
	if len(rented) > 0 {
		return rented[len(rented)-1].Capacity, true
	}
	return 0, false
}

func anyPositive(xs []int) bool {
	return slices.ContainsFunc(xs, func(n int) bool { return n > 0 })
}

func minPositive(xs []int) int {
	best := 0
	for _, n := range xs {
		if n > 0 && (best == 0 || n < best) {
			best = n
		}
	}
	return best
}

// crossover keeps a random prefix of a and appends every gene of b that is not
// already in that prefix.
func crossover(a, b Chromosome, rng *rand.Rand) Chromosome {
	cut := rng.IntN(len(a) + 1)
	prefix := a[:cut]
	child := make(Chromosome, 0, cut+len(b))
	child = append(child, prefix...)
	for _, g := range b {
		if !slices.Contains(prefix, g) {
			child = append(child, g)
		}
	}
	return child
}

// mutate nudges each gene with probability rate by ±10% of its passengers (at
// least one), clamped to [1, depot demand].
func mutate(c Chromosome, demand []int, rate float64, rng *rand.Rand) {
	for i, g := range c {
		if rng.Float64() >= rate {
			continue
		}
		delta := max(1, int(0.1*float64(g.Passengers)))
		if rng.IntN(2) == 0 {
			delta = -delta
		}
		c[i].Passengers = max(1, min(demand[g.DepotIndex], g.Passengers+delta))
	}
}
