package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a mutation against a record that does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ErrInvalid reports a record that cannot be stored as given.
var ErrInvalid = errors.New("invalid record")
