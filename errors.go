package tierstore

import "errors"

var (
	// ErrTooManyTiers is returned by Init when a configuration would build
	// more than two tiers. The engine must not continue with an
	// inconsistent tier set.
	ErrTooManyTiers = errors.New("tierstore: more than two tiers")

	// ErrInvalidKind is returned by Init for an unknown storage kind.
	ErrInvalidKind = errors.New("tierstore: invalid storage kind")

	// ErrNotInitialized is returned when an operation requires Init first.
	ErrNotInitialized = errors.New("tierstore: manager not initialized")

	// ErrClosed is returned when operating on a closed manager.
	ErrClosed = errors.New("tierstore: manager closed")
)
