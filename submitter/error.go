package submitter

import "golang.org/x/xerrors"

// ErrInvalidInput is returned when a submission is rejected before any job
// record is created: the upload is empty or not a supported image, or the
// operation is malformed.
var ErrInvalidInput = xerrors.New("invalid input")
