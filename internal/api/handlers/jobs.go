package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an admin repair run detached from the request that started it.
type Job struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Target     string      `json:"target,omitempty"`
	Status     JobStatus   `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  int64       `json:"started_at"`
	FinishedAt int64       `json:"finished_at,omitempty"`
}

// JobFunc does the work. A non-nil error marks the job failed; the result is
// kept either way.
type JobFunc func(ctx context.Context) (interface{}, error)

// JobRunner runs jobs in the background and keeps the most recent ones for
// polling.
type JobRunner struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	keep    int
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewJobRunner(timeout time.Duration) *JobRunner {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobRunner{
		jobs:    make(map[string]*Job),
		keep:    100,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Start launches fn and returns the job as first recorded. done, if set, runs
// after fn with the finished job.
func (jr *JobRunner) Start(kind, target string, fn JobFunc, done func(ctx context.Context, j Job)) Job {
	j := &Job{
		ID:        "job_" + uuid.New().String(),
		Kind:      kind,
		Target:    target,
		Status:    JobRunning,
		StartedAt: jr.now().Unix(),
	}

	jr.mu.Lock()
	jr.jobs[j.ID] = j
	jr.order = append(jr.order, j.ID)
	for len(jr.order) > jr.keep {
		oldest := jr.order[0]
		if old := jr.jobs[oldest]; old != nil && old.Status == JobRunning {
			break
		}
		delete(jr.jobs, oldest)
		jr.order = jr.order[1:]
	}
	started := *j
	jr.mu.Unlock()

	jr.wg.Add(1)
	go func() {
		defer jr.wg.Done()
		ctx, cancel := context.WithTimeout(jr.ctx, jr.timeout)
		defer cancel()

		result, err := fn(ctx)

		jr.mu.Lock()
		j.Result = result
		j.Status = JobSucceeded
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
		}
		j.FinishedAt = jr.now().Unix()
		finished := *j
		jr.mu.Unlock()

		log.Info().Str("job_id", finished.ID).Str("kind", kind).Str("status", string(finished.Status)).Msg("admin job finished")
		if done != nil {
			done(ctx, finished)
		}
	}()

	return started
}

func (jr *JobRunner) Get(id string) (Job, bool) {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	j, ok := jr.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Close cancels running jobs and waits for them to return.
func (jr *JobRunner) Close() {
	jr.cancel()
	jr.wg.Wait()
}
