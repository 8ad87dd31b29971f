package opt

import (
	"fmt"

	"github.com/samber/lo"

	"fleetroute/internal/model"
)

// Report fills in per-route reports, depot leftovers and violations for sol and
// returns it. Leftovers are recomputed from the instance's raw demand; any value
// already present on sol is discarded. It never fails: broken invariants are
// recorded as violations.
func Report(sol *model.Solution, in *model.Instance, shift model.Shift) *model.Solution {
	leftovers := make(map[string]int, len(in.Depots))
	for _, d := range in.Depots {
		leftovers[d.ID] = d.Demand(shift.ID)
	}

	reports := make([]model.RouteReport, 0, len(sol.Routes))
	violations := []model.Violation{}

	for i, r := range sol.Routes {
		vid := fmt.Sprintf("V%d", i+1)

		if len(lo.Uniq(r.DepotIDs)) != len(r.DepotIDs) {
			violations = append(violations, model.Violation{
				Kind:      model.ViolationDuplicateDepot,
				VehicleID: vid,
				DepotIDs:  append([]string(nil), r.DepotIDs...),
			})
		}

		for _, p := range r.Pickups {
			if n, ok := leftovers[p.DepotID]; ok {
				leftovers[p.DepotID] = max(0, n-p.Passengers)
			}
		}

		visits := make([]model.DepotVisit, 0, len(r.Pickups))
		for j, p := range r.Pickups {
			v := model.DepotVisit{DepotID: p.DepotID, Passengers: p.Passengers}
			if len(r.Legs) > 0 {
				leg := r.Legs[min(j, len(r.Legs)-1)]
				v.TimeMin = leg.TimeMin
				v.Cost = leg.DistanceKm * r.CostPerKm
			}
			visits = append(visits, v)
		}

		tripMin := r.TripMinutes()
		empty := r.Seats - r.Passengers
		flags := []model.ViolationKind{}
		if empty < 0 {
			flags = append(flags, model.ViolationOverCapacity)
			violations = append(violations, model.Violation{
				Kind: model.ViolationOverCapacity, VehicleID: vid,
				Amount: float64(r.Passengers), Limit: float64(r.Seats),
			})
		}
		if tripMin > float64(shiftLimit(in, shift, r.ShiftID)) {
			flags = append(flags, model.ViolationExceedsRideTime)
			violations = append(violations, model.Violation{
				Kind: model.ViolationExceedsRideTime, VehicleID: vid,
				Amount: tripMin, Limit: float64(shiftLimit(in, shift, r.ShiftID)),
			})
		}

		reports = append(reports, model.RouteReport{
			VehicleID:         vid,
			VehicleType:       r.VehicleTypeID,
			ShiftID:           r.ShiftID,
			PassengersCarried: r.Passengers,
			EmptySeats:        empty,
			TotalTripTimeMin:  tripMin,
			TotalTripCost:     r.Cost + r.FixedCost,
			DepotVisits:       visits,
			Violations:        flags,
		})
	}

	for _, d := range in.Depots {
		if n := leftovers[d.ID]; n > 0 {
			violations = append(violations, model.Violation{
				Kind: model.ViolationUnservedDemand, DepotID: d.ID, Amount: float64(n),
			})
		}
	}

	sol.Reports = reports
	sol.DepotLeftovers = leftovers
	sol.Violations = violations
	return sol
}

// shiftLimit is the ride limit for a route's own shift, falling back to the reported shift.
func shiftLimit(in *model.Instance, shift model.Shift, routeShift string) int {
	if routeShift == "" || routeShift == shift.ID {
		return shift.MaxRideMinutes
	}
	if s, err := in.Shift(routeShift); err == nil {
		return s.MaxRideMinutes
	}
	return shift.MaxRideMinutes
}
