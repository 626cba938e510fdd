package virtual

import "errors"

var (
	// ErrNoPort is returned when the bridge has no port and the host has none to give.
	ErrNoPort = errors.New("virtual: no port available")

	// ErrInvalidPin is returned for a pin that is not eight digits.
	ErrInvalidPin = errors.New("virtual: invalid pin")

	// ErrInvalidConfig is returned for a platform or accessory block that cannot be parsed.
	ErrInvalidConfig = errors.New("virtual: invalid config block")
)
