package transform

import "golang.org/x/xerrors"

var (
	// ErrUnsupportedOperation is returned for operation names the engine
	// does not know about.
	ErrUnsupportedOperation = xerrors.New("unsupported operation")

	// ErrDecode is returned when the source bytes are not a decodable image.
	ErrDecode = xerrors.New("image decode failed")

	// ErrImageTooLarge is returned when the source image has more pixels
	// than the engine is configured to accept.
	ErrImageTooLarge = xerrors.New("image too large")

	// ErrInvalidParameter is returned when an operation parameter is
	// missing a valid value or is out of range.
	ErrInvalidParameter = xerrors.New("invalid operation parameter")
)
