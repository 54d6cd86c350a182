package queue

import "errors"

var (
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("queue: stopped")
	// errPoison marks deliveries that can never be processed.
	errPoison = errors.New("queue: poison message")
)
