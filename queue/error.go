package queue

import "golang.org/x/xerrors"

var (
	// ErrClosed is returned when operating on a queue that has been closed.
	ErrClosed = xerrors.New("queue closed")

	// ErrLeaseExpired is returned when settling a delivery whose visibility
	// timeout elapsed and which may already have been handed to another
	// consumer.
	ErrLeaseExpired = xerrors.New("delivery lease expired")
)
