package auth

import "errors"

var (
	// ErrTokenInvalid is returned for a token that fails signature, expiry or
	// claim checks.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrEmptySecret is returned when signing or verifying without a secret.
	ErrEmptySecret = errors.New("auth: empty secret")

	// ErrUnknownRole is returned when issuing a token for an undefined role.
	ErrUnknownRole = errors.New("auth: unknown role")
)
