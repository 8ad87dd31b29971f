package opt

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"fleetroute/internal/geo"
	"fleetroute/internal/routing"
)

var ErrInvalidOptions = errors.New("invalid optimizer options")

// DefaultSeedIterationCap bounds the seeding packer per chromosome.
const DefaultSeedIterationCap = 100

// Options configures one search run.
type Options struct {
	PopulationSize int     `json:"populationSize"`
	Generations    int     `json:"generations"`
	MutationRate   float64 `json:"mutationRate"`
	UseOSRM        bool    `json:"useOsrm"`
	OSRMURL        string  `json:"osrmUrl"`

	// OSRM client tuning, used when the solver builds its own client.
	OSRMTimeout           time.Duration `json:"-"`
	OSRMRequestsPerSecond float64       `json:"-"`
	OSRMRetries           int           `json:"-"`

	Workers          int     `json:"workers"`
	Seed             int64   `json:"seed,omitempty"`
	ShiftID          string  `json:"shiftId,omitempty"`
	SpeedKmh         float64 `json:"speedKmh"`
	UnservedPenalty  float64 `json:"unservedPenalty"`
	SeedIterationCap int     `json:"seedIterationCap"`
}

func DefaultOptions() Options {
	return Options{
		PopulationSize:        20,
		Generations:           60,
		MutationRate:          0.2,
		OSRMURL:               routing.DefaultOSRMURL,
		OSRMTimeout:           10 * time.Second,
		OSRMRequestsPerSecond: 5,
		Workers:               runtime.GOMAXPROCS(0),
		SpeedKmh:              geo.DefaultSpeedKmh,
		UnservedPenalty:       DefaultUnservedPenalty,
		SeedIterationCap:      DefaultSeedIterationCap,
	}
}

// withDefaults fills zero-valued tuning fields. Search size and mutation rate are
// left alone so Validate can reject them.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OSRMURL == "" {
		o.OSRMURL = d.OSRMURL
	}
	if o.OSRMTimeout <= 0 {
		o.OSRMTimeout = d.OSRMTimeout
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.SpeedKmh == 0 {
		o.SpeedKmh = d.SpeedKmh
	}
	if o.UnservedPenalty == 0 {
		o.UnservedPenalty = d.UnservedPenalty
	}
	if o.SeedIterationCap == 0 {
		o.SeedIterationCap = d.SeedIterationCap
	}
	return o
}

// Validate reports configuration errors. They are returned before a search starts.
func (o Options) Validate() error {
	switch {
	case o.PopulationSize <= 0:
		return fmt.Errorf("%w: populationSize must be > 0", ErrInvalidOptions)
	case o.Generations <= 0:
		return fmt.Errorf("%w: generations must be > 0", ErrInvalidOptions)
	case o.MutationRate < 0 || o.MutationRate > 1:
		return fmt.Errorf("%w: mutationRate must be within [0,1]", ErrInvalidOptions)
	case o.SpeedKmh < 0:
		return fmt.Errorf("%w: speedKmh must be > 0", ErrInvalidOptions)
	case o.UnservedPenalty < 0:
		return fmt.Errorf("%w: unservedPenalty must be >= 0", ErrInvalidOptions)
	case o.SeedIterationCap < 0:
		return fmt.Errorf("%w: seedIterationCap must be > 0", ErrInvalidOptions)
	case o.Workers < 0:
		return fmt.Errorf("%w: workers must be >= 0", ErrInvalidOptions)
	}
	return nil
}
