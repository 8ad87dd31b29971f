package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ViolationKind is the closed set of constraint violations a solution can carry.
type ViolationKind string

const (
	ViolationDuplicateDepot  ViolationKind = "duplicate_depot"
	ViolationOverCapacity    ViolationKind = "over_capacity"
	ViolationExceedsRideTime ViolationKind = "exceeds_ride_time"
	ViolationUnservedDemand  ViolationKind = "unserved_demand"
)

// Violation is a constraint breach with its structured payload. Which fields are
// set depends on Kind:
//
//	duplicate_depot    VehicleID, DepotIDs
//	over_capacity      VehicleID, Amount (passengers), Limit (seats)
//	exceeds_ride_time  VehicleID, Amount (minutes), Limit (max minutes)
//	unserved_demand    DepotID, Amount (passengers)
type Violation struct {
	Kind      ViolationKind `json:"kind" yaml:"kind"`
	VehicleID string        `json:"vehicle_id,omitempty" yaml:"vehicle_id,omitempty"`
	DepotID   string        `json:"depot_id,omitempty" yaml:"depot_id,omitempty"`
	Amount    float64       `json:"amount,omitempty" yaml:"amount,omitempty"`
	Limit     float64       `json:"limit,omitempty" yaml:"limit,omitempty"`
	DepotIDs  []string      `json:"depot_ids,omitempty" yaml:"depot_ids,omitempty"`
}

// Message renders the violation for humans.
func (v Violation) Message() string {
	switch v.Kind {
	case ViolationDuplicateDepot:
		return fmt.Sprintf("Vehicle %s visits same depot multiple times: [%s]", v.VehicleID, strings.Join(v.DepotIDs, ", "))
	case ViolationOverCapacity:
		return fmt.Sprintf("Vehicle %s carries %g passengers with %g seats", v.VehicleID, v.Amount, v.Limit)
	case ViolationExceedsRideTime:
		return fmt.Sprintf("Vehicle %s trip takes %.1f min, limit %g min", v.VehicleID, v.Amount, v.Limit)
	case ViolationUnservedDemand:
		return fmt.Sprintf("Depot %s has %g unserved passengers", v.DepotID, v.Amount)
	default:
		return string(v.Kind)
	}
}

func (v Violation) String() string { return v.Message() }

// MarshalJSON adds the rendered message next to the payload.
func (v Violation) MarshalJSON() ([]byte, error) {
	type plain Violation
	return json.Marshal(struct {
		plain
		Message string `json:"message"`
	}{plain(v), v.Message()})
}
