package dummy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/chatdesk/internal/action"
	"github.com/stupiduntilnot/chatdesk/internal/model"
)

const providerName = "dummy"

type step struct {
	kind string
	arg  string
	name string
	args action.Args
}

// splitScript splits on commas that are not inside a JSON object, so call
// tokens can carry multi-field arguments.
func splitScript(script string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range script {
		switch r {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, script[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, script[start:])
}

func parseScript(script string) ([]step, error) {
	if strings.TrimSpace(script) == "" {
		return []step{{kind: "ok"}}, nil
	}
	parts := splitScript(script)
	steps := make([]step, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			steps = append(steps, step{kind: "ok"})
			continue
		}
		if strings.HasPrefix(token, "err:") {
			steps = append(steps, step{kind: "err", arg: strings.TrimPrefix(token, "err:")})
			continue
		}
		if strings.HasPrefix(token, "sleep:") {
			steps = append(steps, step{kind: "sleep", arg: strings.TrimPrefix(token, "sleep:")})
			continue
		}
		if strings.HasPrefix(token, "msg:") {
			steps = append(steps, step{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
			continue
		}
		if strings.HasPrefix(token, "msgb64:") {
			steps = append(steps, step{kind: "msgb64", arg: strings.TrimPrefix(token, "msgb64:")})
			continue
		}
		if strings.HasPrefix(token, "call:") {
			s, err := parseCall(strings.TrimPrefix(token, "call:"))
			if err != nil {
				return nil, err
			}
			steps = append(steps, s)
			continue
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(steps) == 0 {
		steps = append(steps, step{kind: "ok"})
	}
	return steps, nil
}

// parseCall parses "name" or "name:{json}".
func parseCall(rest string) (step, error) {
	name, raw, _ := strings.Cut(rest, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return step{}, errors.New("invalid dummy action: call without name")
	}
	args := action.Args{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return step{}, fmt.Errorf("invalid dummy call arguments for %s: %w", name, err)
		}
	}
	return step{kind: "call", name: name, args: args}, nil
}

type scriptRunner struct {
	steps []step
	index int
}

func newRunner(script string) (*scriptRunner, error) {
	steps, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{steps: steps}, nil
}

// next returns the next step; the last step repeats once the script is exhausted.
func (r *scriptRunner) next() step {
	if len(r.steps) == 0 {
		return step{kind: "ok"}
	}
	if r.index >= len(r.steps) {
		return r.steps[len(r.steps)-1]
	}
	s := r.steps[r.index]
	r.index++
	return s
}

// Provider is a scripted completion backend for local runs and tests.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  int
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

// Calls returns how many completions were requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Reply, error) {
	p.mu.Lock()
	p.calls++
	s := p.script.next()
	p.mu.Unlock()

	usage := model.Usage{InputTokens: len(req.Messages), OutputTokens: 1}
	switch s.kind {
	case "err":
		kind := model.ErrorKind(emptyAs(s.arg, string(model.KindServer)))
		return nil, &model.GatewayError{
			Provider: providerName,
			Kind:     kind,
			Err:      fmt.Errorf("dummy provider error class=%s", kind),
		}
	case "sleep":
		ms, _ := strconv.Atoi(s.arg)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return nil, &model.GatewayError{Provider: providerName, Kind: model.KindNetwork, Err: ctx.Err()}
			}
		}
		return model.TextReply{Content: "dummy-after-sleep", Usage: usage}, nil
	case "msg":
		return model.TextReply{Content: emptyAs(s.arg, model.EmptyResponse), Usage: usage}, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(s.arg)
		if err != nil {
			return nil, &model.GatewayError{
				Provider: providerName,
				Kind:     model.KindBadResponse,
				Err:      fmt.Errorf("dummy provider msgb64 decode failed: %w", err),
			}
		}
		return model.TextReply{Content: emptyAs(string(raw), model.EmptyResponse), Usage: usage}, nil
	case "call":
		args := make(action.Args, len(s.args))
		for k, v := range s.args {
			args[k] = v
		}
		return model.ActionCall{Name: s.name, Arguments: args, Usage: usage}, nil
	default:
		return model.TextReply{Content: "dummy-ok", Usage: usage}, nil
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
