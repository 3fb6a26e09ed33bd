package services

import "errors"

// Sentinel errors surfaced to the API layer. Handlers map these to HTTP codes.
var (
	// ErrEventNotFound is returned when an event UUID does not exist
	ErrEventNotFound = errors.New("alert event not found")

	// ErrInvalidEventState is returned when a transition is requested on an
	// event whose state does not allow it (e.g. acknowledging a resolved event)
	ErrInvalidEventState = errors.New("alert event state does not allow this transition")

	// ErrPolicyNotFound is returned when a policy id does not exist
	ErrPolicyNotFound = errors.New("alert policy not found")

	// ErrDeliveryClaimed is returned when a delivery is already being attempted
	// by another worker
	ErrDeliveryClaimed = errors.New("delivery already claimed by another worker")
)
