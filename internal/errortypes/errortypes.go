// Package errortypes holds the error kinds shared by the vault and the
// session core. Each kind wraps a cause carrying context (which secret,
// which host) and is matched with errors.As or the Is helpers, so a caller
// can tell a wrong password from an unreachable host after any amount of
// wrapping.
package errortypes

import "errors"

// FormatError reports malformed persisted or wire data.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return e.Err.Error() }
func (e *FormatError) Unwrap() error { return e.Err }

// AuthenticationError reports a wrong master password or a rejected
// remote credential.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string { return e.Err.Error() }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// IntegrityError reports an authentication tag mismatch: the ciphertext
// was tampered with or the key is wrong.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string { return e.Err.Error() }
func (e *IntegrityError) Unwrap() error { return e.Err }

// TransportError reports a dial, handshake or channel failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// PreconditionError reports an operation attempted in the wrong state,
// such as decrypting while the vault is locked.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string { return e.Err.Error() }
func (e *PreconditionError) Unwrap() error { return e.Err }

// ResourceError reports a missing or unreadable local resource such as a
// private key file.
type ResourceError struct {
	Err error
}

func (e *ResourceError) Error() string { return e.Err.Error() }
func (e *ResourceError) Unwrap() error { return e.Err }

func IsFormat(err error) bool {
	var target *FormatError
	return errors.As(err, &target)
}

func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

func IsResource(err error) bool {
	var target *ResourceError
	return errors.As(err, &target)
}
