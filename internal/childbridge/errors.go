package childbridge

import "errors"

// Domain-specific errors for child bridge supervision.
var (
	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the current state.
	ErrInvalidTransition = errors.New("childbridge: invalid lifecycle transition")

	// ErrNoLauncher is returned when a Supervisor is built without a Launcher.
	ErrNoLauncher = errors.New("childbridge: launcher is required")
)
