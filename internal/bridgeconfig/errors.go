package bridgeconfig

import "errors"

// Domain-specific errors for the bridges file.
var (
	// ErrRead is returned when the bridges file cannot be read.
	ErrRead = errors.New("bridgeconfig: reading bridges file failed")

	// ErrParse is returned when the bridges file is not valid JSON.
	ErrParse = errors.New("bridgeconfig: parsing bridges file failed")

	// ErrInvalidBlock is returned for a block that is not a JSON object
	// or names neither a platform nor an accessory.
	ErrInvalidBlock = errors.New("bridgeconfig: invalid config block")
)
