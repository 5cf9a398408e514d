package consumer

import (
	"errors"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/streamfile"
)

var (
	// ErrStreamNotFound is returned when the stream does not exist.
	ErrStreamNotFound = streamfile.ErrStreamNotFound
	// ErrGroupNotFound is returned when a consumer names an unknown group and
	// does not declare an instance count to create it with.
	ErrGroupNotFound = state.ErrGroupNotFound
	// ErrInstanceOutOfRange is returned for an instance id outside the
	// group's current instance count.
	ErrInstanceOutOfRange = state.ErrInstanceOutOfRange
	// ErrStaleGeneration is returned when committing after the group was
	// reconfigured. Close the consumer and create a new one.
	ErrStaleGeneration = state.ErrStaleGeneration
	// ErrConsistency means a position would be delivered twice.
	ErrConsistency = state.ErrConsistency
	// ErrNoTransaction is returned by Poll outside a transaction.
	ErrNoTransaction = errors.New("consumer: poll outside a transaction")
	// ErrClosed is returned by operations on a closed consumer.
	ErrClosed = errors.New("consumer: closed")
)
