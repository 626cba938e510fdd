package process

import "errors"

// Domain-specific errors for worker processes.
var (
	// ErrSpawn is returned when the worker process cannot be started.
	ErrSpawn = errors.New("process: spawn failed")

	// ErrNoControlFD is returned by OpenControl when the control socket
	// variable is missing or invalid.
	ErrNoControlFD = errors.New("process: control socket not inherited")
)
