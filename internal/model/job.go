package model

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobStopped   JobStatus = "stopped"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobStopped || s == JobFailed
}

// JobSettings are the per-request overrides of the solver defaults. Pointer
// fields distinguish "unset" from a legitimate zero.
type JobSettings struct {
	PopulationSize int      `json:"populationSize,omitempty"`
	Generations    int      `json:"generations,omitempty"`
	MutationRate   *float64 `json:"mutationRate,omitempty"`
	UseOSRM        *bool    `json:"useOsrm,omitempty"`
	OSRMURL        string   `json:"osrmUrl,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	ShiftID        string   `json:"shiftId,omitempty"`
	AllShifts      bool     `json:"allShifts,omitempty"`
}

// Callback is where a finished job is announced. The secret never leaves the server.
type Callback struct {
	URL    string `json:"url"`
	Secret string `json:"-"`
}

// Job is one asynchronous optimization run tracked by the service.
type Job struct {
	ID       string      `json:"id"`
	Status   JobStatus   `json:"status"`
	Settings JobSettings `json:"settings"`
	Callback *Callback   `json:"callback,omitempty"`
	Instance *Instance   `json:"-"`

	// Progress is the percentage of generations completed across all shifts.
	Progress    float64              `json:"progress"`
	ShiftID     string               `json:"shiftId,omitempty"`
	Generation  int                  `json:"generation"`
	Generations int                  `json:"generations"`
	BestCost    float64              `json:"bestCost"`
	Solutions   map[string]*Solution `json:"solutions,omitempty"`
	Logs        []string             `json:"logs"`
	Error       string               `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// TotalCost sums the best cost of every solved shift.
func (j *Job) TotalCost() float64 {
	total := 0.0
	for _, s := range j.Solutions {
		if s != nil {
			total += s.TotalCost
		}
	}
	return total
}
