// Package mailerr defines the error taxonomy shared by the sync core.
// Protocol- and transport-specific errors are translated into these kinds
// at the boundary where they occur, so upper layers can branch on errors.As
// without knowing which library produced the failure.
package mailerr

import (
	"errors"
	"fmt"
)

// ConnectionError covers network failures and aborted protocol sessions.
// It is retryable; the pooled session that produced it must be invalidated.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the account's credentials were rejected (refresh token
// revoked, login denied). Fatal for the account until credentials change.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ParseError marks a single malformed message. The batch it belongs to
// continues; the message is skipped.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse message uid=%d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CacheWriteError wraps a durable-store failure. When the remote fetch
// itself succeeded the fetched data is still returned to the caller.
type CacheWriteError struct {
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write failed: %v", e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// Connection wraps err as a ConnectionError for the given operation.
func Connection(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}

// Auth wraps err as an AuthError for the given account.
func Auth(account string, err error) error {
	return &AuthError{Account: account, Err: err}
}

// Retryable reports whether the caller may reasonably retry the operation
// that produced err. Authentication and parse failures never qualify.
func Retryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
