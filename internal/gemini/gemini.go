// Package gemini is a completion backend on the Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/stupiduntilnot/chatdesk/internal/action"
	"github.com/stupiduntilnot/chatdesk/internal/history"
	"github.com/stupiduntilnot/chatdesk/internal/model"
	"github.com/stupiduntilnot/chatdesk/internal/prompt"
)

const (
	providerName = "gemini"
	DefaultModel = "gemini-2.5-flash"
)

// Client sends chat turns to Gemini with the action catalog as function declarations.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) Complete(ctx context.Context, req model.Request) (model.Reply, error) {
	system, contents := toContents(req.Messages)
	config := &genai.GenerateContentConfig{
		Temperature:       ptrFloat(0.2),
		SystemInstruction: system,
	}
	if decls := toFunctionDeclarations(req.Actions); len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, classify(err)
	}
	return fromResponse(resp), nil
}

// toContents splits system turns into the system instruction and maps the
// rest onto Gemini roles.
func toContents(messages []prompt.Message) (*genai.Content, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case history.RoleSystem:
			system = append(system, m.Content)
		case history.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}

func toFunctionDeclarations(schemas []action.Schema) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		params := &genai.Schema{
			Type:     genai.TypeObject,
			Required: s.Parameters.Required,
		}
		if len(s.Parameters.Properties) > 0 {
			params.Properties = make(map[string]*genai.Schema, len(s.Parameters.Properties))
			for name, p := range s.Parameters.Properties {
				params.Properties[name] = &genai.Schema{
					Type:        schemaType(p.Type),
					Description: p.Description,
				}
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  params,
		})
	}
	return decls
}

func schemaType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}

func fromResponse(resp *genai.GenerateContentResponse) model.Reply {
	var usage model.Usage
	if resp != nil && resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.TextReply{Content: model.EmptyResponse, Usage: usage}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.FunctionCall != nil {
			args := action.Args{}
			for k, v := range part.FunctionCall.Args {
				args[k] = v
			}
			return model.ActionCall{Name: part.FunctionCall.Name, Arguments: args, Usage: usage}
		}
		text.WriteString(part.Text)
	}

	content := strings.TrimSpace(text.String())
	if content == "" {
		content = model.EmptyResponse
	}
	return model.TextReply{Content: content, Usage: usage}
}

func classify(err error) error {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	kind := model.KindNetwork
	if status != 0 {
		kind = model.KindForStatus(status)
	}
	return &model.GatewayError{Provider: providerName, Kind: kind, Status: status, Err: err}
}

func ptrFloat(v float32) *float32 {
	return &v
}
