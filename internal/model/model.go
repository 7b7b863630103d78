package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/stupiduntilnot/chatdesk/internal/action"
	"github.com/stupiduntilnot/chatdesk/internal/prompt"
)

// EmptyResponse is the reply content used when a provider returns no text.
const EmptyResponse = "(empty model response)"

// Request is what the session layer sends to a provider: the assembled
// context plus the catalog of actions the model may call.
type Request struct {
	Messages []prompt.Message
	Actions  []action.Schema
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Reply is either a TextReply or an ActionCall.
type Reply interface {
	TokenUsage() Usage
	isReply()
}

// TextReply is a plain assistant answer.
type TextReply struct {
	Content string
	Usage   Usage
}

// ActionCall asks the caller to execute a registered action.
type ActionCall struct {
	Name      string
	Arguments action.Args
	Usage     Usage
}

func (r TextReply) TokenUsage() Usage  { return r.Usage }
func (r ActionCall) TokenUsage() Usage { return r.Usage }
func (TextReply) isReply()             {}
func (ActionCall) isReply()            {}

// Call converts the reply into a dispatcher call.
func (r ActionCall) Call() action.Call {
	return action.Call{Name: r.Name, Arguments: r.Arguments}
}

// Provider is the completion gateway abstraction used by the session coordinator.
type Provider interface {
	Complete(ctx context.Context, req Request) (Reply, error)
}

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindRateLimit   ErrorKind = "rate_limit"
	KindServer      ErrorKind = "server"
	KindBadResponse ErrorKind = "bad_response"
)

// GatewayError reports a failed call to a remote completion provider.
type GatewayError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s gateway %s status=%d: %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s gateway %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimit, KindServer:
		return true
	}
	return false
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindServer
	default:
		return KindBadResponse
	}
}

// ErrorClass returns the breaker class of err ("unknown" for non-gateway errors).
func ErrorClass(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return string(gwErr.Kind)
	}
	return "unknown"
}
