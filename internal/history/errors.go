package history

import "errors"

var (
	// ErrInvalidLimit is returned for a non-positive list limit.
	ErrInvalidLimit = errors.New("history: limit must be positive")

	// ErrQueueFull is returned when the recorder's write queue is full and
	// a snapshot is dropped.
	ErrQueueFull = errors.New("history: write queue full")

	// ErrRecorderClosed is returned for snapshots arriving after Close.
	ErrRecorderClosed = errors.New("history: recorder closed")
)
