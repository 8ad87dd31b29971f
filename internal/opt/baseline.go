package opt

import (
	"context"
	"math"
	"slices"

	"fleetroute/internal/model"
	"fleetroute/internal/routing"
)

// SolveBaseline builds one direct depot-to-factory trip per vehicle load for a
// single shift, with no consolidation across depots. Vehicle counts are ignored
// and ride time is not enforced; the reporter still flags it. Legs come from the
// instance tables when both are present and from provider otherwise.
func SolveBaseline(ctx context.Context, in *model.Instance, shiftID string, provider routing.Provider) (*model.Solution, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	shift, err := in.Shift(shiftID)
	if err != nil {
		return nil, err
	}
	startMin, _ := model.ParseClock(shift.StartTime)

	owned := slices.Clone(in.Vehicles.Owned)
	slices.SortStableFunc(owned, func(a, b model.OwnedVehicleType) int { return a.Capacity - b.Capacity })
	rented := slices.Clone(in.Vehicles.Rented)
	slices.SortStableFunc(rented, func(a, b model.RentedVehicleType) int { return a.Capacity - b.Capacity })

	sol := &model.Solution{}
	for _, d := range in.Depots {
		remaining := d.Demand(shift.ID)
		if remaining <= 0 {
			continue
		}

		dist, minutes, ok := in.TableLeg(d.ID, in.Factory.ID)
		var path [][2]float64
		if !ok {
			seg := provider.Segment(ctx, d.Coord(), in.Factory.Coord())
			dist, minutes, path = seg.DistanceKm, seg.TimeMin, pathCoords(seg.Path)
		}

		for remaining > 0 {
			v := vehicleForLoad(owned, rented, remaining)
			take := min(v.Capacity, remaining)
			r := model.Route{
				ShiftID:       shift.ID,
				VehicleTypeID: v.TypeID,
				Owned:         v.Owned,
				Seats:         v.Capacity,
				CostPerKm:     v.CostPerKm,
				Passengers:    take,
				DepotIDs:      []string{d.ID},
				Pickups:       []model.Pickup{{DepotID: d.ID, Passengers: take}},
				Legs:          []model.RouteLeg{{From: d.ID, To: in.Factory.ID, DistanceKm: dist, TimeMin: minutes, Path: path}},
				DepartureTime: model.FormatClock(startMin - int(math.Round(minutes))),
				ArrivalTime:   shift.StartTime,
				Cost:          dist * v.CostPerKm,
				FixedCost:     v.FixedCost,
			}
			sol.Routes = append(sol.Routes, r)
			sol.TotalCost += r.Cost + r.FixedCost
			remaining -= take
		}
	}
	return Report(sol, in, shift), nil
}

// vehicleForLoad picks the smallest owned type holding load, then the smallest
// rented one, then the largest rented, then the largest owned. Callers guarantee
// the fleet is non-empty.
func vehicleForLoad(owned []model.OwnedVehicleType, rented []model.RentedVehicleType, load int) model.Vehicle {
	for _, o := range owned {
		if o.Capacity >= load {
			return ownedVehicle(o)
		}
	}
	for _, r := range rented {
		if r.Capacity >= load {
			return rentedVehicle(r)
		}
	}
	if len(rented) > 0 {
		return rentedVehicle(rented[len(rented)-1])
	}
	return ownedVehicle(owned[len(owned)-1])
}

func ownedVehicle(o model.OwnedVehicleType) model.Vehicle {
	return model.Vehicle{TypeID: o.TypeID, Capacity: o.Capacity, CostPerKm: o.CostPerKm, Owned: true}
}

func rentedVehicle(r model.RentedVehicleType) model.Vehicle {
	return model.Vehicle{TypeID: r.TypeID, Capacity: r.Capacity, CostPerKm: r.CostPerKm, FixedCost: r.FixedRentalCost}
}
