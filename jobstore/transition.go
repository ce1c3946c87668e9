package jobstore

import "golang.org/x/xerrors"

// allowed lists the edges of the job state machine.
var allowed = map[State][]State{
	StatePending: {StateRunning, StateFailed},
	StateRunning: {StateSucceeded, StateFailed},
}

// ValidateTransition checks that moving a job from `from` with upd is a legal
// edge of the state machine and that upd respects the field invariants:
// ResultRef is set iff the target state is SUCCEEDED and ErrorDetail is set
// iff the target state is FAILED.
func ValidateTransition(from State, upd Update) error {
	if !from.Valid() || !upd.State.Valid() {
		return xerrors.Errorf("unknown state in %q -> %q: %w", from, upd.State, ErrInvalidTransition)
	}

	var legal bool
	for _, to := range allowed[from] {
		if to == upd.State {
			legal = true
			break
		}
	}
	if !legal {
		return xerrors.Errorf("%s -> %s: %w", from, upd.State, ErrInvalidTransition)
	}

	if (upd.ResultRef != "") != (upd.State == StateSucceeded) {
		return xerrors.Errorf("result ref must be set iff the job succeeded: %w", ErrInvalidTransition)
	}
	if (upd.ErrorDetail != "") != (upd.State == StateFailed) {
		return xerrors.Errorf("error detail must be set iff the job failed: %w", ErrInvalidTransition)
	}
	if upd.At.IsZero() {
		return xerrors.Errorf("transition time not specified: %w", ErrInvalidTransition)
	}
	return nil
}

// ValidateNew checks that job can be passed to Store.Create.
func ValidateNew(job *Job) error {
	switch {
	case job.ID == "":
		return xerrors.Errorf("job id not specified: %w", ErrInvalidTransition)
	case job.State != StatePending:
		return xerrors.Errorf("new jobs must be %s, got %q: %w", StatePending, job.State, ErrInvalidTransition)
	case job.SourceRef == "":
		return xerrors.Errorf("source ref not specified: %w", ErrInvalidTransition)
	case job.ResultRef != "" || job.ErrorDetail != "":
		return xerrors.Errorf("new jobs cannot carry a result or an error: %w", ErrInvalidTransition)
	}
	return nil
}

// ConflictError reports that the job was found in state `current` instead of
// `expected`.
func ConflictError(id string, expected, current State) error {
	return xerrors.Errorf("job %s is %s, expected %s: %w", id, current, expected, ErrStateConflict)
}
