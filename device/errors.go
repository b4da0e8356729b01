package device

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable reports a command exchange that never got an answer.
	// The session flips to offline and the monitor takes over retrying.
	ErrUnreachable = errors.New("device: unreachable")

	// ErrFileNotFound reports a file name the device's file system does
	// not know.
	ErrFileNotFound = errors.New("device: file not found")

	// ErrTimeNotSynced reports a network time conversion attempted while
	// the gateway's time base could not be refreshed.
	ErrTimeNotSynced = errors.New("device: network time not synchronized")
)

// UnknownKeyError names a parameter missing from the device's catalog.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("device: unknown key %q", e.Key)
}

// ReadOnlyKeyError reports a write to a read only parameter. The check
// runs against the cached catalog, before any traffic.
type ReadOnlyKeyError struct {
	Key string
}

func (e *ReadOnlyKeyError) Error() string {
	return fmt.Sprintf("device: key %q is read only", e.Key)
}

// KVStatusError carries a negative per key status from a write response.
type KVStatusError struct {
	Key    string
	Status int8
}

func (e *KVStatusError) Error() string {
	return fmt.Sprintf("device: write to %q rejected with status %d", e.Key, e.Status)
}

// DuplicateKeyNameError reports a kvmeta file that declares the same
// parameter name twice.
type DuplicateKeyNameError struct {
	Name string
}

func (e *DuplicateKeyNameError) Error() string {
	return fmt.Sprintf("device: duplicate parameter name %q", e.Name)
}

// DuplicateKeyIDError reports a kvmeta file that declares the same
// group/id pair twice.
type DuplicateKeyIDError struct {
	Group uint8
	ID    uint8
}

func (e *DuplicateKeyIDError) Error() string {
	return fmt.Sprintf("device: duplicate parameter id %d.%d", e.Group, e.ID)
}
