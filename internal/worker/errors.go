package worker

import "errors"

// Domain-specific errors for the worker runtime.
var (
	// ErrUnknownPlugin is returned when the load message names a plugin
	// that is not registered.
	ErrUnknownPlugin = errors.New("worker: unknown plugin")

	// ErrRequestPending is returned by RequestPort while an earlier request
	// for the same username is unanswered.
	ErrRequestPending = errors.New("worker: port request already pending")

	// ErrNotLoaded is returned by Services calls made before the plugin has
	// been loaded.
	ErrNotLoaded = errors.New("worker: plugin not loaded")

	// ErrDisconnected is returned when the host has gone away.
	ErrDisconnected = errors.New("worker: control channel disconnected")
)
