package errs

import (
	"errors"
	"fmt"
)

// Common error types for the everyauth client
var (
	// Resolution errors
	ErrAmbiguousIdentity = errors.New("selector matches more than one identity")
	ErrAmbiguousInstall  = errors.New("selector matches more than one install")
	ErrNotFound          = errors.New("not found")
	ErrInvalidSelector   = errors.New("at least one selection criterion is required")

	// Broker errors
	ErrBrokerRequest = errors.New("broker request failed")
	ErrBrokerTimeout = errors.New("timed out waiting for the broker")

	// Profile errors
	ErrNoProfile = errors.New("no everyauth profile found")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
