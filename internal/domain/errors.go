package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration signals missing or malformed deployment settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrStorage wraps failures of the persistence backends.
	ErrStorage = errors.New("storage error")
	// ErrDecryption signals a payload that could not be opened.
	ErrDecryption = errors.New("decryption failed")
	// ErrConnectionNotFound is returned when no connection matches the lookup.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionInactive is returned when acting on a disconnected connection.
	ErrConnectionInactive = errors.New("connection is inactive")
	// ErrReauthRequired means Salesforce refused the stored grant.
	ErrReauthRequired = errors.New("salesforce reauthorization required")
	// ErrAuthentication signals a missing or rejected caller identity.
	ErrAuthentication = errors.New("authentication failed")
	// ErrValidation signals malformed caller input.
	ErrValidation = errors.New("validation failed")
)

// ConfigurationError lists which settings are missing or describes why one is unusable.
// The setting values themselves are never included.
type ConfigurationError struct {
	Missing []string
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return "missing required environment variables: " + strings.Join(e.Missing, ", ")
	}
	return fmt.Sprintf("%s %s", e.Setting, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// StorageError records the failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// DecryptionError explains why an envelope could not be opened.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt: %s: %v", e.Reason, e.Err)
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}
