package jobstore

import "golang.org/x/xerrors"

var (
	// ErrNotFound is returned when a job lookup fails.
	ErrNotFound = xerrors.New("job not found")

	// ErrJobExists is returned when creating a job whose id is already taken.
	ErrJobExists = xerrors.New("job already exists")

	// ErrStateConflict is returned by Transition when the job is not in the
	// expected state, e.g. because another worker already claimed it.
	ErrStateConflict = xerrors.New("job state conflict")

	// ErrInvalidTransition is returned when an update would move a job along
	// an edge the state machine does not allow or would break the
	// result/error field invariants.
	ErrInvalidTransition = xerrors.New("invalid job state transition")
)
