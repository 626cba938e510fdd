// Package auth issues and verifies the bearer tokens of the management API.
//
// Tokens are HS256 JWTs carrying a subject and a role. Roles map statically
// to permissions; reading bridge state is open, controlling a bridge needs
// PermBridgeControl.
package auth
