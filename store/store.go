// Package store defines the persistence boundary of the scheduler core and
// reference backends. The core never branches on backend identity; any
// durable backend can implement Store.
package store

import (
	"errors"
)

var (
	// ErrNotFound is returned by Get/Delete/CAS for missing keys.
	ErrNotFound = errors.New("store: key not found")

	// ErrCASMismatch is returned by CAS when the current value differs from
	// the expected one.
	ErrCASMismatch = errors.New("store: cas mismatch")
)

// Store is a flat keyed byte store. Keys are namespaced by convention with
// the prefix helpers below.
type Store interface {
	Put(key string, value []byte) error

	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Scan invokes fn for each key with the given prefix, in unspecified
	// order. Returning a non-nil error from fn stops the scan.
	Scan(prefix string, fn func(key string, value []byte) error) error

	// CAS atomically replaces the value for key if the current value equals
	// expected. A nil expected asserts the key must not exist.
	CAS(key string, expected, value []byte) error

	Close() error
}

// Key namespaces.
const (
	JobPrefix     = "job/"
	FailurePrefix = "failure/"
)

func JobKey(jobID string) string { return JobPrefix + jobID }

func FailureKey(jobID string) string { return FailurePrefix + jobID }
