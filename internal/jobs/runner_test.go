package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetroute/internal/model"
	"fleetroute/internal/opt"
	"fleetroute/internal/store"
)

type recordPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordPublisher) Publish(_ string, evt Event) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *recordPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordNotifier struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (n *recordNotifier) JobFinished(_ context.Context, job *model.Job) (string, error) {
	n.mu.Lock()
	n.jobs = append(n.jobs, *job)
	n.mu.Unlock()
	return "d1", nil
}

func (n *recordNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

func testInstance() *model.Instance {
	return &model.Instance{
		Factory: model.Factory{ID: "F", Lat: 0, Lon: 0},
		Depots: []model.Depot{
			{ID: "D1", Lat: 0.05, Lon: 0, DemandByShift: map[string]int{"S1": 6, "S2": 2}},
			{ID: "D2", Lat: 0, Lon: 0.05, DemandByShift: map[string]int{"S1": 3, "S2": 5}},
		},
		Shifts: []model.Shift{
			{ID: "S1", StartTime: "06:00", MaxRideMinutes: 120},
			{ID: "S2", StartTime: "14:00", MaxRideMinutes: 120},
		},
		Vehicles: model.Fleet{
			Owned: []model.OwnedVehicleType{{TypeID: "VAN", Capacity: 8, CostPerKm: 1, Count: 2}},
		},
	}
}

func testDefaults() opt.Options {
	o := opt.DefaultOptions()
	o.PopulationSize = 4
	o.Generations = 3
	o.Workers = 2
	return o
}

func newRunner(t *testing.T, defaults opt.Options, maxConcurrent int) (*Runner, *store.Memory, *recordPublisher, *recordNotifier) {
	t.Helper()
	s := store.NewMemory()
	pub := &recordPublisher{}
	n := &recordNotifier{}
	r := NewRunner(s, pub, n, defaults, maxConcurrent, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, s, pub, n
}

func waitStatus(t *testing.T, s store.Store, id string, want model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestRunnerCompletesJob(t *testing.T) {
	r, s, pub, n := newRunner(t, testDefaults(), 2)

	job, err := r.Submit(context.Background(), testInstance(), model.JobSettings{Seed: 3}, &model.Callback{URL: "http://hook"})
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.Status)

	done := waitStatus(t, s, job.ID, model.JobCompleted)
	assert.Equal(t, 100.0, done.Progress)
	assert.Equal(t, 3, done.Generation)
	require.Contains(t, done.Solutions, "S1")
	assert.Equal(t, 9, done.Solutions["S1"].Served())
	assert.Equal(t, done.Solutions["S1"].TotalCost, done.BestCost)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
	assert.Contains(t, done.Logs[0], "Job started")
	assert.Contains(t, done.Logs[len(done.Logs)-1], "Job completed")

	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)
	types := pub.types()
	assert.Contains(t, types, EventStatus)
	assert.Contains(t, types, EventProgress)
	assert.Equal(t, EventFinished, types[len(types)-1])
}

func TestRunnerAllShifts(t *testing.T) {
	r, s, pub, _ := newRunner(t, testDefaults(), 1)

	job, err := r.Submit(context.Background(), testInstance(), model.JobSettings{AllShifts: true, Seed: 1}, nil)
	require.NoError(t, err)
	done := waitStatus(t, s, job.ID, model.JobCompleted)
	require.Len(t, done.Solutions, 2)
	assert.Equal(t, 7, done.Solutions["S2"].Served())
	assert.InDelta(t, done.Solutions["S1"].TotalCost+done.Solutions["S2"].TotalCost, done.BestCost, 1e-9)

	// Progress only ever grows across shifts.
	last := -1.0
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, e := range pub.events {
		if e.Type != EventProgress {
			continue
		}
		p := e.Data["progress"].(float64)
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, 100.0, last)
}

func TestRunnerRejectsInvalidRequests(t *testing.T) {
	r, s, _, _ := newRunner(t, testDefaults(), 1)
	ctx := context.Background()

	bad := -0.5
	_, err := r.Submit(ctx, testInstance(), model.JobSettings{MutationRate: &bad}, nil)
	assert.ErrorIs(t, err, opt.ErrInvalidOptions)

	_, err = r.Submit(ctx, testInstance(), model.JobSettings{ShiftID: "night"}, nil)
	assert.ErrorIs(t, err, model.ErrUnknownShift)

	in := testInstance()
	in.Vehicles = model.Fleet{}
	_, err = r.Submit(ctx, in, model.JobSettings{}, nil)
	assert.ErrorIs(t, err, model.ErrNoVehicles)

	jobs, err := s.ListJobs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunnerStopAndQueue(t *testing.T) {
	long := testDefaults()
	long.Generations = 1_000_000
	r, s, _, n := newRunner(t, long, 1)
	ctx := context.Background()

	first, err := r.Submit(ctx, testInstance(), model.JobSettings{}, nil)
	require.NoError(t, err)
	second, err := r.Submit(ctx, testInstance(), model.JobSettings{}, nil)
	require.NoError(t, err)

	running := waitStatus(t, s, first.ID, model.JobRunning)
	assert.NotNil(t, running.StartedAt)
	queued, err := s.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, queued.Status)

	// Stopping the queued job never runs it.
	_, err = r.Stop(ctx, second.ID)
	require.NoError(t, err)
	stoppedQueued := waitStatus(t, s, second.ID, model.JobStopped)
	assert.Nil(t, stoppedQueued.StartedAt)

	// Let the first job finish at least one generation so it has a solution.
	require.Eventually(t, func() bool {
		j, err := s.GetJob(ctx, first.ID)
		return err == nil && j.Generation >= 1
	}, 10*time.Second, 5*time.Millisecond)
	_, err = r.Stop(ctx, first.ID)
	require.NoError(t, err)
	stopped := waitStatus(t, s, first.ID, model.JobStopped)
	assert.Contains(t, stopped.Solutions, "S1")
	assert.Less(t, stopped.Progress, 100.0)
	assert.Contains(t, stopped.Logs, "Stop requested")

	_, err = r.Stop(ctx, first.ID)
	assert.ErrorIs(t, err, ErrJobFinished)
	_, err = r.Stop(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.Eventually(t, func() bool { return n.count() == 2 }, time.Second, 5*time.Millisecond)
}

// pausingStore runs pause once, after the next GetJob has read the job.
type pausingStore struct {
	*store.Memory
	pause atomic.Pointer[func()]
}

func (s *pausingStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.Memory.GetJob(ctx, id)
	if p := s.pause.Swap(nil); p != nil {
		(*p)()
	}
	return job, err
}

func TestRunnerStopKeepsJobThatSettledMeanwhile(t *testing.T) {
	s := &pausingStore{Memory: store.NewMemory()}
	r := NewRunner(s, nil, nil, testDefaults(), 1, nil)
	ctx := context.Background()

	job, err := r.Submit(ctx, testInstance(), model.JobSettings{}, nil)
	require.NoError(t, err)
	// The job completes and drops its cancel func between Stop's read and its write.
	settle := r.wg.Wait
	s.pause.Store(&settle)

	_, err = r.Stop(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobFinished)

	got, err := s.Memory.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.NotEmpty(t, got.Solutions)
	assert.Equal(t, 100.0, got.Progress)
}

func TestRunnerStopsJobsLeftByEarlierProcess(t *testing.T) {
	r, s, _, _ := newRunner(t, testDefaults(), 1)
	ctx := context.Background()

	for _, status := range []model.JobStatus{model.JobQueued, model.JobRunning} {
		orphan := &model.Job{Instance: testInstance()}
		require.NoError(t, s.CreateJob(ctx, orphan))
		orphan.Status = status
		require.NoError(t, s.UpdateJob(ctx, orphan))

		stopped, err := r.Stop(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStopped, stopped.Status)
		assert.NotNil(t, stopped.FinishedAt)

		_, err = r.Stop(ctx, orphan.ID)
		assert.ErrorIs(t, err, ErrJobFinished)
	}
}

func TestRunnerShutdownStopsJobs(t *testing.T) {
	long := testDefaults()
	long.Generations = 1_000_000
	s := store.NewMemory()
	r := NewRunner(s, nil, nil, long, 1, nil)

	job, err := r.Submit(context.Background(), testInstance(), model.JobSettings{}, nil)
	require.NoError(t, err)
	waitStatus(t, s, job.ID, model.JobRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStopped, got.Status)

	_, err = r.Submit(context.Background(), testInstance(), model.JobSettings{}, nil)
	assert.Error(t, err)
}

func TestOptionsOverlay(t *testing.T) {
	r := NewRunner(store.NewMemory(), nil, nil, testDefaults(), 1, nil)
	rate, osrm := 0.0, true
	o := r.Options(model.JobSettings{PopulationSize: 9, MutationRate: &rate, UseOSRM: &osrm, OSRMURL: "http://osrm:5000", Seed: 11, ShiftID: "S2"})
	assert.Equal(t, 9, o.PopulationSize)
	assert.Equal(t, 3, o.Generations)
	assert.Equal(t, 0.0, o.MutationRate)
	assert.True(t, o.UseOSRM)
	assert.Equal(t, "http://osrm:5000", o.OSRMURL)
	assert.Equal(t, int64(11), o.Seed)
	assert.Equal(t, "S2", o.ShiftID)
	assert.Equal(t, testDefaults().MutationRate, r.Options(model.JobSettings{}).MutationRate)
}
