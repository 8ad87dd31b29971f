package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoVehicles   = errors.New("no vehicles defined")
	ErrNoShifts     = errors.New("no shifts defined")
	ErrUnknownShift = errors.New("unknown shift")
	ErrDuplicateID  = errors.New("duplicate node id")
	ErrInvalidInput = errors.New("invalid instance")
)

// UnknownNodeError reports a distance or time table entry naming a node that is
// neither the factory nor a depot.
type UnknownNodeError struct {
	Table string
	Row   string // empty when the row key itself is unknown
	Node  string
}

func (e *UnknownNodeError) Error() string {
	if e.Row == "" {
		return fmt.Sprintf("unknown node in %s: %s", e.Table, e.Node)
	}
	return fmt.Sprintf("unknown node in %s row %s: %s", e.Table, e.Row, e.Node)
}

// IsInputError reports whether err came from instance validation.
func IsInputError(err error) bool {
	var unknown *UnknownNodeError
	return errors.Is(err, ErrNoVehicles) || errors.Is(err, ErrNoShifts) || errors.Is(err, ErrUnknownShift) ||
		errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrInvalidInput) || errors.As(err, &unknown)
}

// Validate checks an instance before any search starts. All errors it returns
// are configuration errors.
func (in *Instance) Validate() error {
	if in.Vehicles.Empty() {
		return ErrNoVehicles
	}
	if len(in.Shifts) == 0 {
		return ErrNoShifts
	}

	nodes := map[string]bool{}
	if in.Factory.ID == "" {
		return fmt.Errorf("%w: factory id is required", ErrInvalidInput)
	}
	nodes[in.Factory.ID] = true
	for _, d := range in.Depots {
		if d.ID == "" {
			return fmt.Errorf("%w: depot id is required", ErrInvalidInput)
		}
		if nodes[d.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		nodes[d.ID] = true
		for shift, n := range d.DemandByShift {
			if n < 0 {
				return fmt.Errorf("%w: depot %s has negative demand %d for shift %s", ErrInvalidInput, d.ID, n, shift)
			}
		}
	}

	shifts := map[string]bool{}
	for _, s := range in.Shifts {
		if s.ID == "" {
			return fmt.Errorf("%w: shift id is required", ErrInvalidInput)
		}
		if shifts[s.ID] {
			return fmt.Errorf("%w: duplicate shift %s", ErrInvalidInput, s.ID)
		}
		shifts[s.ID] = true
		if _, err := ParseClock(s.StartTime); err != nil {
			return fmt.Errorf("%w: shift %s: %v", ErrInvalidInput, s.ID, err)
		}
		if s.MaxRideMinutes <= 0 {
			return fmt.Errorf("%w: shift %s max_ride_minutes must be > 0", ErrInvalidInput, s.ID)
		}
	}

	for _, o := range in.Vehicles.Owned {
		if o.Capacity <= 0 {
			return fmt.Errorf("%w: vehicle type %s capacity must be > 0", ErrInvalidInput, o.TypeID)
		}
		if o.Count < 0 || o.CostPerKm < 0 {
			return fmt.Errorf("%w: vehicle type %s has negative count or cost", ErrInvalidInput, o.TypeID)
		}
	}
	for _, r := range in.Vehicles.Rented {
		if r.Capacity <= 0 {
			return fmt.Errorf("%w: vehicle type %s capacity must be > 0", ErrInvalidInput, r.TypeID)
		}
		if r.CostPerKm < 0 || r.FixedRentalCost < 0 {
			return fmt.Errorf("%w: vehicle type %s has negative cost", ErrInvalidInput, r.TypeID)
		}
	}

	if err := checkTable("distances_km", in.DistancesKm, nodes); err != nil {
		return err
	}
	return checkTable("times_min", in.TimesMin, nodes)
}

func checkTable(name string, table map[string]map[string]float64, nodes map[string]bool) error {
	for a, row := range table {
		if !nodes[a] {
			return &UnknownNodeError{Table: name, Node: a}
		}
		for b := range row {
			if !nodes[b] {
				return &UnknownNodeError{Table: name, Row: a, Node: b}
			}
		}
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("start time %q: want HH:MM", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes after midnight as "HH:MM", wrapping around the day.
func FormatClock(minutes int) string {
	minutes %= 24 * 60
	if minutes < 0 {
		minutes += 24 * 60
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
