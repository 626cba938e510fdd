package host

import "errors"

var (
	// ErrBridgeNotFound is returned for an unknown username.
	ErrBridgeNotFound = errors.New("host: bridge not found")

	// ErrShutdownTimeout is returned when workers outlive the shutdown grace.
	ErrShutdownTimeout = errors.New("host: workers still running after shutdown grace")

	// ErrNoLauncher is returned when the host is built without a launcher.
	ErrNoLauncher = errors.New("host: launcher is required")
)
