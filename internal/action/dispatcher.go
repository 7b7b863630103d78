package action

import (
	"context"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Call represents one action invocation requested by the completion gateway.
type Call struct {
	Name      string
	Arguments Args
}

// Dispatcher validates calls and executes registered actions.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs call against its registered handler. Unknown names and
// arguments that fail schema validation never reach a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (Result, error) {
	if d == nil || d.registry == nil {
		return nil, ErrDispatcherNotReady
	}
	name := strings.TrimSpace(call.Name)
	e, ok := d.registry.lookup(name)
	if !ok {
		return nil, &UnknownActionError{Name: call.Name}
	}

	args := call.Arguments
	if args == nil {
		args = Args{}
	}
	if err := validate(name, e, args); err != nil {
		return nil, err
	}

	result, err := e.action.Execute(ctx, args)
	if err != nil {
		return nil, &HandlerError{Action: name, Err: err}
	}
	return result, nil
}

func validate(name string, e entry, args Args) error {
	res, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &InvalidArgumentsError{Action: name, Field: "(root)", Reason: err.Error()}
	}
	if res.Valid() {
		return nil
	}
	return firstIssue(name, e.action.Schema().Parameters.Required, res.Errors())
}

// firstIssue picks a deterministic offending field: missing required fields
// in declaration order first, then other violations by field name.
func firstIssue(name string, required []string, errs []gojsonschema.ResultError) *InvalidArgumentsError {
	type issue struct {
		field  string
		reason string
		rank   int
	}
	order := make(map[string]int, len(required))
	for i, field := range required {
		order[field] = i
	}

	issues := make([]issue, 0, len(errs))
	for _, re := range errs {
		field := re.Field()
		rank := len(required)
		if re.Type() == "required" {
			if p, ok := re.Details()["property"].(string); ok {
				field = p
			}
			if i, ok := order[field]; ok {
				rank = i
			}
		}
		issues = append(issues, issue{field: field, reason: re.Description(), rank: rank})
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].rank != issues[j].rank {
			return issues[i].rank < issues[j].rank
		}
		return issues[i].field < issues[j].field
	})

	if len(issues) == 0 {
		return &InvalidArgumentsError{Action: name, Field: "(root)", Reason: "arguments rejected"}
	}
	return &InvalidArgumentsError{
		Action: name,
		Field:  issues[0].field,
		Reason: issues[0].reason,
	}
}
