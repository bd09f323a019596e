package presence

import (
	"errors"
	"fmt"
)

// ErrStateNotFound matches every NotFoundError
var ErrStateNotFound = errors.New("custom state not found")

// NotFoundError is returned when a custom state name is not registered
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("custom state %q is not registered", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrStateNotFound }
