package queue

import (
	"context"

	"github.com/moratsam/imgqueue/jobstore"
)

// Descriptor is the minimal payload a worker needs to process a job. Only
// the job id is authoritative; SourceRef and Operation are copies of the
// job record taken at submission time.
type Descriptor struct {
	JobID     string             `json:"job_id"`
	SourceRef string             `json:"source_ref"`
	Operation jobstore.Operation `json:"operation"`
}

//go:generate mockgen -package mocks -destination mocks/mocks.go github.com/moratsam/imgqueue/queue Queue,Delivery

// Queue is implemented by at-least-once job queues. A descriptor that has
// been dequeued but neither acked nor nacked is eventually handed out again.
type Queue interface {
	// Enqueue publishes a descriptor.
	Enqueue(ctx context.Context, d *Descriptor) error

	// Dequeue blocks until a descriptor is available or ctx expires.
	Dequeue(ctx context.Context) (Delivery, error)
}

// Delivery wraps a dequeued descriptor together with the means to settle it.
type Delivery interface {
	// Descriptor returns the delivered descriptor.
	Descriptor() *Descriptor

	// Redelivered returns true if the descriptor may have been handed out
	// before.
	Redelivered() bool

	// Ack marks the descriptor as fully processed.
	Ack() error

	// Nack gives the descriptor back. If requeue is false the descriptor is
	// dropped.
	Nack(requeue bool) error
}
