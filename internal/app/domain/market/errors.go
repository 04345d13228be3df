package market

import "errors"

// Engine error taxonomy. Services wrap these with context; callers match
// with errors.Is.
var (
	// ErrQuantityExceeded is returned when a reservation asks for more
	// units than the application has remaining.
	ErrQuantityExceeded = errors.New("requested quantity exceeds remaining quantity")

	// ErrAlreadySettled is returned when a mutation targets an
	// application whose settlement has committed.
	ErrAlreadySettled = errors.New("application already settled")

	// ErrInvalidStateTransition is returned when an operation targets an
	// application in a state that forbids it (closed, rejected, settled,
	// or out of lifecycle order).
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrSlotNotResolved is returned when settlement runs against an
	// application with pending slots and no default resolution.
	ErrSlotNotResolved = errors.New("slot not resolved")

	// ErrInvalidRejectionReason is returned when a slot rejection uses a
	// reason outside the item type's allowed set.
	ErrInvalidRejectionReason = errors.New("invalid rejection reason")
)
