package database

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrItemTooLarge indicates a record whose payload + meta exceed MaxItemSize.
	ErrItemTooLarge = errors.New("item exceeds maximum size")
	// ErrCorruptRecord indicates a stored blob that could not be decoded.
	ErrCorruptRecord = errors.New("corrupt stored record")
	// ErrNotFound indicates the requested group or message does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("data service closed")
)

// StorageError is returned by every DataService operation that fails in the
// backend. Op names the failing operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Cause returns the underlying error.
func (e *StorageError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*StorageError); ok {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
