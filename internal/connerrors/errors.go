// Package connerrors defines the error kinds the Connection state machine
// can surface, per spec.md section 7.
package connerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a connect or request deadline elapses.
	ErrTimeout = errors.New("vaultsync: timeout")

	// ErrTransport wraps a failure of the underlying transport channel.
	ErrTransport = errors.New("vaultsync: transport error")

	// ErrAlreadyConnected is returned by Connect when a connection is already live.
	ErrAlreadyConnected = errors.New("vaultsync: already connected")

	// ErrCryptoAuthenticationFailure covers AES-GCM tag mismatches and DH
	// shared-key mismatches.
	ErrCryptoAuthenticationFailure = errors.New("vaultsync: cryptographic authentication failure")

	// ErrKeyValidationFailed is returned when the server rejects ValidateKey.
	ErrKeyValidationFailed = errors.New("vaultsync: key validation failed")

	// ErrCanceled is returned when the user dismisses a seed-entry prompt.
	ErrCanceled = errors.New("vaultsync: canceled")

	// ErrMissingSeed indicates a state-machine precondition was violated:
	// key derivation was attempted with no local seed available.
	ErrMissingSeed = errors.New("vaultsync: missing seed")

	// ErrMissingSalts indicates key derivation was attempted before the
	// server delivered the per-user salts.
	ErrMissingSalts = errors.New("vaultsync: missing salts")

	// ErrDisconnected is returned to all pending requests when the
	// transport closes.
	ErrDisconnected = errors.New("vaultsync: disconnected")

	// ErrDatabaseNotOpen is returned by mutation calls against a database
	// that has not been opened on this connection.
	ErrDatabaseNotOpen = errors.New("vaultsync: database not open")
)

// RequestFailed is returned when a request/response round trip completes
// with a non-success status.
type RequestFailed struct {
	Action  string
	Status  int
	Message string
}

func (e *RequestFailed) Error() string {
	return fmt.Sprintf("vaultsync: request %q failed with status %d: %s", e.Action, e.Status, e.Message)
}

// Is makes errors.Is(err, &RequestFailed{}) match any *RequestFailed
// regardless of fields.
func (e *RequestFailed) Is(target error) bool {
	_, ok := target.(*RequestFailed)
	return ok
}
