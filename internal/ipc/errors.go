package ipc

import "errors"

// Domain-specific errors for the control channel.
var (
	// ErrUnknownMessage is returned when encoding a message outside the known set.
	ErrUnknownMessage = errors.New("ipc: unknown message")

	// ErrLineTooLong is reported for inbound lines above MaxLineSize.
	ErrLineTooLong = errors.New("ipc: line exceeds maximum size")
)
