// Package action maps named, schema-typed action calls requested by the
// completion gateway onto registered handlers.
//
// The dispatcher knows nothing about individual actions: handlers are added
// and removed through the Registry, and every call is validated against the
// schema the handler was registered with before the handler runs.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Property describes a single parameter of an action.
type Property struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Parameters is the JSON-schema object describing an action's arguments.
type Parameters struct {
	Type       string              `json:"type" yaml:"type"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties"`
	Required   []string            `json:"required,omitempty" yaml:"required"`
}

// Schema declares a callable action to the completion gateway.
type Schema struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Parameters  Parameters `json:"parameters" yaml:"parameters"`
}

// JSONSchema returns the parameters as a JSON-schema document.
func (s Schema) JSONSchema() (json.RawMessage, error) {
	params := s.Parameters
	if params.Type == "" {
		params.Type = "object"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", s.Name, err)
	}
	return data, nil
}

// Args are the decoded arguments of an action call.
type Args map[string]any

// String returns the string argument for key, or "" if absent.
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Int returns the integer argument for key. JSON numbers decode as float64,
// so whole floats are accepted. Values outside the int32 range read as 0.
func (a Args) Int(key string) int {
	var n int64
	switch v := a[key].(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return 0
		}
		n = int64(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0
		}
		n = i
	default:
		return 0
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0
	}
	return int(n)
}

// Result is the structured value returned by a handler.
type Result map[string]any

// Encode serializes a result as compact JSON without HTML escaping.
func Encode(r Result) (string, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return "", fmt.Errorf("encode action result: %w", err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Action is the common abstraction for all registered handlers.
type Action interface {
	Schema() Schema
	Execute(ctx context.Context, args Args) (Result, error)
}

// HandlerFunc is the signature of a plain function handler.
type HandlerFunc func(ctx context.Context, args Args) (Result, error)

// Func adapts a schema and a function into an Action.
type Func struct {
	Def Schema
	Fn  HandlerFunc
}

// NewFunc returns an Action backed by fn.
func NewFunc(schema Schema, fn HandlerFunc) *Func {
	return &Func{Def: schema, Fn: fn}
}

func (f *Func) Schema() Schema { return f.Def }

func (f *Func) Execute(ctx context.Context, args Args) (Result, error) {
	return f.Fn(ctx, args)
}
