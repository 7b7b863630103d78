package action

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrActionNil          = errors.New("action is nil")
	ErrActionNameEmpty    = errors.New("action name is empty")
	ErrAlreadyRegistered  = errors.New("action already registered")
	ErrDispatcherNotReady = errors.New("action dispatcher is not initialized")
)

// UnknownActionError is returned when a call names an action that is not registered.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %q", e.Name)
}

// InvalidArgumentsError is returned when call arguments do not satisfy the
// registered schema. Field names the first offending argument.
type InvalidArgumentsError struct {
	Action string
	Field  string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: field %q: %s", e.Action, e.Field, e.Reason)
}

// HandlerError wraps a failure returned by a handler itself.
type HandlerError struct {
	Action string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
