package hostptr

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidRequest is returned when a request is rejected before any state is modified, such as
	// a zero size, a null pointer, or an unknown engine
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnreclaimableConflict is returned when a requested region overlaps fragments that could not
	// be reclaimed within the bounded clean/wait protocol. Callers should not retry automatically:
	// this indicates an engine that will never complete or a live allocation over the same pages.
	ErrUnreclaimableConflict = errors.New("conflicting fragments could not be reclaimed")
	// ErrResourceExhausted is returned when the device mapping layer or the backing memory source
	// fails. Any fragments created for the failed request have been rolled back.
	ErrResourceExhausted = errors.New("resource exhausted")
)
