package model

import (
	"fmt"

	"fleetroute/internal/geo"
)

// Instance documents use snake_case keys so files produced for earlier tooling load unchanged.

type Factory struct {
	ID   string  `json:"id" yaml:"id"`
	Name string  `json:"name" yaml:"name"`
	Lat  float64 `json:"lat" yaml:"lat"`
	Lon  float64 `json:"lon" yaml:"lon"`
}

func (f Factory) Coord() geo.Coordinate { return geo.Coordinate{Lat: f.Lat, Lon: f.Lon} }

type Depot struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Lat           float64        `json:"lat" yaml:"lat"`
	Lon           float64        `json:"lon" yaml:"lon"`
	DemandByShift map[string]int `json:"demand_by_shift,omitempty" yaml:"demand_by_shift,omitempty"`
}

func (d Depot) Coord() geo.Coordinate { return geo.Coordinate{Lat: d.Lat, Lon: d.Lon} }

// Demand returns the depot's demand for a shift; missing shifts have none.
func (d Depot) Demand(shiftID string) int { return d.DemandByShift[shiftID] }

type Shift struct {
	ID             string `json:"id" yaml:"id"`
	StartTime      string `json:"start_time" yaml:"start_time"` // HH:MM
	MaxRideMinutes int    `json:"max_ride_minutes" yaml:"max_ride_minutes"`
}

type OwnedVehicleType struct {
	TypeID    string  `json:"type_id" yaml:"type_id"`
	Capacity  int     `json:"capacity" yaml:"capacity"`
	CostPerKm float64 `json:"cost_per_km" yaml:"cost_per_km"`
	Count     int     `json:"count" yaml:"count"`
}

type RentedVehicleType struct {
	TypeID          string  `json:"type_id" yaml:"type_id"`
	Capacity        int     `json:"capacity" yaml:"capacity"`
	CostPerKm       float64 `json:"cost_per_km" yaml:"cost_per_km"`
	FixedRentalCost float64 `json:"fixed_rental_cost" yaml:"fixed_rental_cost"`
	// Count of rentable units; zero means one.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`
}

// Units returns the number of rentable units of this type.
func (r RentedVehicleType) Units() int {
	if r.Count <= 0 {
		return 1
	}
	return r.Count
}

type Fleet struct {
	Owned  []OwnedVehicleType  `json:"owned" yaml:"owned"`
	Rented []RentedVehicleType `json:"rented" yaml:"rented"`
}

// Empty reports whether no vehicle of any kind is available.
func (f Fleet) Empty() bool {
	for _, o := range f.Owned {
		if o.Count > 0 {
			return false
		}
	}
	return len(f.Rented) == 0
}

// Vehicle is one concrete unit of the fleet.
type Vehicle struct {
	TypeID    string
	Capacity  int
	CostPerKm float64
	Owned     bool
	FixedCost float64
}

type Instance struct {
	Depots      []Depot                       `json:"depots" yaml:"depots"`
	Factory     Factory                       `json:"factory" yaml:"factory"`
	Shifts      []Shift                       `json:"shifts" yaml:"shifts"`
	Vehicles    Fleet                         `json:"vehicles" yaml:"vehicles"`
	DistancesKm map[string]map[string]float64 `json:"distances_km,omitempty" yaml:"distances_km,omitempty"`
	TimesMin    map[string]map[string]float64 `json:"times_min,omitempty" yaml:"times_min,omitempty"`
}

// Shift resolves a shift by id. An empty id selects the first shift.
func (in *Instance) Shift(id string) (Shift, error) {
	if len(in.Shifts) == 0 {
		return Shift{}, ErrNoShifts
	}
	if id == "" {
		return in.Shifts[0], nil
	}
	for _, s := range in.Shifts {
		if s.ID == id {
			return s, nil
		}
	}
	return Shift{}, fmt.Errorf("%w: %q", ErrUnknownShift, id)
}

// Demands returns per-depot demand for a shift, indexed like Depots.
func (in *Instance) Demands(shiftID string) []int {
	out := make([]int, len(in.Depots))
	for i, d := range in.Depots {
		out[i] = d.Demand(shiftID)
	}
	return out
}

func (in *Instance) TotalDemand(shiftID string) int {
	total := 0
	for _, d := range in.Depots {
		total += d.Demand(shiftID)
	}
	return total
}

// TableLeg looks up a precomputed distance and time between two nodes.
func (in *Instance) TableLeg(from, to string) (distKm, timeMin float64, ok bool) {
	row, ok := in.DistancesKm[from]
	if !ok {
		return 0, 0, false
	}
	distKm, ok = row[to]
	if !ok {
		return 0, 0, false
	}
	trow, ok := in.TimesMin[from]
	if !ok {
		return 0, 0, false
	}
	timeMin, ok = trow[to]
	return distKm, timeMin, ok
}

// Assignment is one chromosome gene: passengers nominally taken from a depot.
type Assignment struct {
	DepotIndex int `json:"depot_index" yaml:"depot_index"`
	Passengers int `json:"passengers" yaml:"passengers"`
}

type RouteLeg struct {
	From       string       `json:"from_node" yaml:"from_node"`
	To         string       `json:"to_node" yaml:"to_node"`
	DistanceKm float64      `json:"distance_km" yaml:"distance_km"`
	TimeMin    float64      `json:"time_min" yaml:"time_min"`
	Path       [][2]float64 `json:"path_coords,omitempty" yaml:"path_coords,omitempty"` // [lat, lon]
}

type Pickup struct {
	DepotID    string `json:"depot_id" yaml:"depot_id"`
	Passengers int    `json:"passengers" yaml:"passengers"`
}

type Route struct {
	ShiftID       string     `json:"shift_id" yaml:"shift_id"`
	VehicleTypeID string     `json:"vehicle_type_id" yaml:"vehicle_type_id"`
	Owned         bool       `json:"owned" yaml:"owned"`
	Seats         int        `json:"seats" yaml:"seats"`
	CostPerKm     float64    `json:"cost_per_km" yaml:"cost_per_km"`
	Passengers    int        `json:"passengers" yaml:"passengers"`
	DepotIDs      []string   `json:"depot_ids" yaml:"depot_ids"`
	Pickups       []Pickup   `json:"pickups" yaml:"pickups"`
	Legs          []RouteLeg `json:"legs" yaml:"legs"`
	DepartureTime string     `json:"departure_time,omitempty" yaml:"departure_time,omitempty"`
	ArrivalTime   string     `json:"arrival_time" yaml:"arrival_time"`
	// Cost is the distance-based cost; FixedCost is the rental fee (zero when owned).
	Cost      float64 `json:"cost" yaml:"cost"`
	FixedCost float64 `json:"fixed_cost,omitempty" yaml:"fixed_cost,omitempty"`
}

// DistanceKm sums leg distances.
func (r Route) DistanceKm() float64 {
	total := 0.0
	for _, l := range r.Legs {
		total += l.DistanceKm
	}
	return total
}

// TripMinutes sums leg times.
func (r Route) TripMinutes() float64 {
	total := 0.0
	for _, l := range r.Legs {
		total += l.TimeMin
	}
	return total
}

type DepotVisit struct {
	DepotID    string  `json:"depot_id" yaml:"depot_id"`
	Passengers int     `json:"passengers" yaml:"passengers"`
	TimeMin    float64 `json:"time_min" yaml:"time_min"`
	Cost       float64 `json:"cost" yaml:"cost"`
}

type RouteReport struct {
	VehicleID         string          `json:"vehicle_id" yaml:"vehicle_id"`
	VehicleType       string          `json:"vehicle_type" yaml:"vehicle_type"`
	ShiftID           string          `json:"shift_id" yaml:"shift_id"`
	PassengersCarried int             `json:"passengers_carried" yaml:"passengers_carried"`
	EmptySeats        int             `json:"empty_seats" yaml:"empty_seats"`
	TotalTripTimeMin  float64         `json:"total_trip_time_min" yaml:"total_trip_time_min"`
	TotalTripCost     float64         `json:"total_trip_cost" yaml:"total_trip_cost"`
	DepotVisits       []DepotVisit    `json:"depot_visits" yaml:"depot_visits"`
	Violations        []ViolationKind `json:"violations" yaml:"violations"`
}

type Solution struct {
	Routes         []Route        `json:"routes" yaml:"routes"`
	TotalCost      float64        `json:"total_cost" yaml:"total_cost"`
	Reports        []RouteReport  `json:"reports" yaml:"reports"`
	DepotLeftovers map[string]int `json:"depot_leftovers" yaml:"depot_leftovers"`
	Violations     []Violation    `json:"violations" yaml:"violations"`
}

// Served returns the passengers carried across all routes.
func (s *Solution) Served() int {
	total := 0
	for _, r := range s.Routes {
		total += r.Passengers
	}
	return total
}
