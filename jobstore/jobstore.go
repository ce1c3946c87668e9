package jobstore

import (
	"context"
	"time"
)

//go:generate mockgen -package mocks -destination mocks/mocks.go github.com/moratsam/imgqueue/jobstore Store

// Store is implemented by objects that persist job records and can be
// queried and mutated concurrently from multiple processes.
type Store interface {
	// Create a new job. The job must be in the PENDING state.
	Create(ctx context.Context, job *Job) error

	// Get the job with the given id.
	Get(ctx context.Context, id string) (*Job, error)

	// Transition atomically moves the job from the `from` state to upd.State
	// and applies the fields carried by upd. It only succeeds if the current
	// state of the job is exactly `from`; otherwise ErrStateConflict is
	// returned. The updated job is returned on success.
	Transition(ctx context.Context, id string, from State, upd Update) (*Job, error)

	// List returns up to limit jobs, most recently created first. Jobs
	// created at the same instant are ordered by descending id.
	List(ctx context.Context, limit int) ([]*Job, error)
}

// State describes where a job is in its lifecycle.
type State string

const (
	// StatePending is assigned to freshly submitted jobs.
	StatePending State = "PENDING"

	// StateRunning is assigned to jobs claimed by a worker.
	StateRunning State = "RUNNING"

	// StateSucceeded marks jobs whose result is available.
	StateSucceeded State = "SUCCEEDED"

	// StateFailed marks jobs that could not be processed.
	StateFailed State = "FAILED"
)

// Terminal returns true for states that are never left.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid returns true if s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// Operation names a transform and its parameters. The store treats it as
// opaque data.
type Operation struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// Clone returns a deep copy of the operation.
func (op Operation) Clone() Operation {
	clone := Operation{Name: op.Name}
	if op.Params != nil {
		clone.Params = make(map[string]string, len(op.Params))
		for k, v := range op.Params {
			clone.Params[k] = v
		}
	}
	return clone
}

// Job describes a single requested image transformation.
type Job struct {
	// A globally unique id generated at submission time.
	ID string `json:"id"`

	State     State     `json:"state"`
	Operation Operation `json:"operation"`

	// Locator of the uploaded image in the blob store.
	SourceRef string `json:"source_ref"`

	// Locator of the produced image. Only set when State is StateSucceeded.
	ResultRef string `json:"result_ref,omitempty"`

	// Failure description. Only set when State is StateFailed.
	ErrorDetail string `json:"error_detail,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	clone := new(Job)
	*clone = *j
	clone.Operation = j.Operation.Clone()
	return clone
}

// Update carries the fields applied to a job by Transition.
type Update struct {
	// The state to move the job to.
	State State

	// Set when moving to StateSucceeded.
	ResultRef string

	// Set when moving to StateFailed.
	ErrorDetail string

	// The time of the transition. It becomes StartedAt when moving to
	// StateRunning and CompletedAt when moving to a terminal state.
	At time.Time
}

// Apply copies the update onto j. Callers must validate the update first.
func (u Update) Apply(j *Job) {
	j.State = u.State
	j.ResultRef = u.ResultRef
	j.ErrorDetail = u.ErrorDetail
	switch {
	case u.State == StateRunning:
		j.StartedAt = u.At
	case u.State.Terminal():
		j.CompletedAt = u.At
	}
}
