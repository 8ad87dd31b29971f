package opt

import (
	"context"
	"math"
	"slices"

	"fleetroute/internal/geo"
	"fleetroute/internal/model"
	"fleetroute/internal/routing"
)

// ExpandFleet materializes one Vehicle per unit: owned units first, then rented,
// each group ascending by capacity. Small vehicles are tried first so larger ones
// are only used when consolidation needs them.
func ExpandFleet(f model.Fleet) []model.Vehicle {
	owned := slices.Clone(f.Owned)
	slices.SortStableFunc(owned, func(a, b model.OwnedVehicleType) int { return a.Capacity - b.Capacity })
	rented := slices.Clone(f.Rented)
	slices.SortStableFunc(rented, func(a, b model.RentedVehicleType) int { return a.Capacity - b.Capacity })

	var out []model.Vehicle
	for _, o := range owned {
		for range o.Count {
			out = append(out, model.Vehicle{TypeID: o.TypeID, Capacity: o.Capacity, CostPerKm: o.CostPerKm, Owned: true})
		}
	}
	for _, r := range rented {
		for range r.Units() {
			out = append(out, model.Vehicle{TypeID: r.TypeID, Capacity: r.Capacity, CostPerKm: r.CostPerKm, FixedCost: r.FixedRentalCost})
		}
	}
	return out
}

// BuildRoutes greedily assigns remaining demand to vehicles in order. Each vehicle
// starts at the depot with the most remaining demand and moves to the nearest
// unvisited depot that still has passengers until it is full. remaining is
// consumed in place and never goes negative. Vehicles that pick nobody up are
// omitted. Route.Cost is the distance cost only; rental fees are left to the caller.
func BuildRoutes(ctx context.Context, in *model.Instance, shift model.Shift, vehicles []model.Vehicle, remaining []int, provider routing.Provider) []model.Route {
	startMin, _ := model.ParseClock(shift.StartTime)
	var routes []model.Route

	for _, v := range vehicles {
		cur := maxRemaining(remaining)
		if cur < 0 {
			break
		}

		capLeft := v.Capacity
		visited := make([]bool, len(in.Depots))
		var order []int
		var pickups []model.Pickup
		for cur >= 0 && capLeft > 0 {
			take := min(remaining[cur], capLeft)
			if take <= 0 {
				break
			}
			order = append(order, cur)
			pickups = append(pickups, model.Pickup{DepotID: in.Depots[cur].ID, Passengers: take})
			visited[cur] = true
			remaining[cur] -= take
			capLeft -= take
			if capLeft == 0 {
				break
			}
			cur = nearestOpen(in.Depots, cur, remaining, visited)
		}
		if len(pickups) == 0 {
			continue
		}

		legs := buildLegs(ctx, in, order, provider)
		r := model.Route{
			ShiftID:       shift.ID,
			VehicleTypeID: v.TypeID,
			Owned:         v.Owned,
			Seats:         v.Capacity,
			CostPerKm:     v.CostPerKm,
			Passengers:    v.Capacity - capLeft,
			Pickups:       pickups,
			Legs:          legs,
			ArrivalTime:   shift.StartTime,
			FixedCost:     v.FixedCost,
		}
		for _, i := range order {
			r.DepotIDs = append(r.DepotIDs, in.Depots[i].ID)
		}
		r.Cost = r.DistanceKm() * v.CostPerKm
		r.DepartureTime = model.FormatClock(startMin - int(math.Round(r.TripMinutes())))
		routes = append(routes, r)
	}
	return routes
}

// maxRemaining returns the depot with the largest positive remaining demand,
// lowest index on ties, or -1.
func maxRemaining(remaining []int) int {
	best := -1
	for i, n := range remaining {
		if n > 0 && (best < 0 || n > remaining[best]) {
			best = i
		}
	}
	return best
}

// nearestOpen returns the closest unvisited depot with remaining demand by
// straight-line distance, lowest index on ties, or -1.
func nearestOpen(depots []model.Depot, from int, remaining []int, visited []bool) int {
	best, bestDist := -1, math.Inf(1)
	origin := depots[from].Coord()
	for j, n := range remaining {
		if n <= 0 || visited[j] {
			continue
		}
		if d := geo.Distance(origin, depots[j].Coord()); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

func buildLegs(ctx context.Context, in *model.Instance, order []int, provider routing.Provider) []model.RouteLeg {
	ids := make([]string, 0, len(order)+1)
	points := make([]geo.Coordinate, 0, len(order)+1)
	for _, i := range order {
		ids = append(ids, in.Depots[i].ID)
		points = append(points, in.Depots[i].Coord())
	}
	ids = append(ids, in.Factory.ID)
	points = append(points, in.Factory.Coord())

	legs := make([]model.RouteLeg, 0, len(order))
	for i := 0; i+1 < len(points); i++ {
		seg := provider.Segment(ctx, points[i], points[i+1])
		legs = append(legs, model.RouteLeg{
			From:       ids[i],
			To:         ids[i+1],
			DistanceKm: seg.DistanceKm,
			TimeMin:    seg.TimeMin,
			Path:       pathCoords(seg.Path),
		})
	}
	return legs
}

func pathCoords(path []geo.Coordinate) [][2]float64 {
	if len(path) == 0 {
		return nil
	}
	out := make([][2]float64, len(path))
	for i, p := range path {
		out[i] = [2]float64{p.Lat, p.Lon}
	}
	return out
}
