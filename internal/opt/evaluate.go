package opt

import (
	"context"
	"slices"

	"github.com/samber/lo"

	"fleetroute/internal/model"
	"fleetroute/internal/routing"
)

// DefaultUnservedPenalty is the cost added per passenger left without a seat.
const DefaultUnservedPenalty = 1000.0

// Evaluator scores chromosomes by replaying route construction for one shift.
// It is safe for concurrent use: each call works on its own demand copy and only
// the provider's cache is shared.
type Evaluator struct {
	instance *model.Instance
	shift    model.Shift
	vehicles []model.Vehicle
	demand   []int
	total    int
	provider routing.Provider
	penalty  float64
}

func NewEvaluator(in *model.Instance, shift model.Shift, provider routing.Provider, penalty float64) *Evaluator {
	demand := in.Demands(shift.ID)
	return &Evaluator{
		instance: in,
		shift:    shift,
		vehicles: ExpandFleet(in.Vehicles),
		demand:   demand,
		total:    in.TotalDemand(shift.ID),
		provider: provider,
		penalty:  penalty,
	}
}

// Evaluate builds the solution for c and returns it with its cost: distance cost,
// plus rental fees of used rented vehicles, plus the penalty per unserved
// passenger. The genes are soft priors and do not steer construction.
func (e *Evaluator) Evaluate(ctx context.Context, _ Chromosome) (*model.Solution, float64) {
	remaining := slices.Clone(e.demand)
	routes := BuildRoutes(ctx, e.instance, e.shift, e.vehicles, remaining, e.provider)

	cost := lo.SumBy(routes, func(r model.Route) float64 { return r.Cost + r.FixedCost })
	served := lo.SumBy(routes, func(r model.Route) int { return r.Passengers })
	if unserved := e.total - served; unserved > 0 {
		cost += float64(unserved) * e.penalty
	}
	return &model.Solution{Routes: routes, TotalCost: cost}, cost
}
