package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/chatdesk/internal/action"
	"github.com/stupiduntilnot/chatdesk/internal/model"
	"github.com/stupiduntilnot/chatdesk/internal/prompt"
)

const providerName = "openai"

// Client is a minimal OpenAI chat completions client.
type Client struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

// NewClient creates an OpenAI client.
func NewClient(apiKey, url, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey: apiKey,
		url:    url,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Message represents a chat message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Complete sends the assembled context and action catalog to the chat
// completions endpoint. A tool call in the first choice becomes an ActionCall.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Reply, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    toMessages(req.Messages),
		Temperature: 0.2,
	}
	tools, err := toTools(req.Actions)
	if err != nil {
		return nil, c.fail(model.KindBadResponse, 0, err)
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
		reqBody.ToolChoice = "auto"
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.fail(model.KindNetwork, 0, fmt.Errorf("openai request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(model.KindNetwork, resp.StatusCode, fmt.Errorf("failed reading openai response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		truncated := truncate(string(body), 400)
		return nil, c.fail(model.KindForStatus(resp.StatusCode), resp.StatusCode,
			fmt.Errorf("openai non-success body=%s", truncated))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		truncated := truncate(string(body), 400)
		return nil, c.fail(model.KindBadResponse, resp.StatusCode,
			fmt.Errorf("failed to parse openai response: %s", truncated))
	}

	var u model.Usage
	if parsed.Usage != nil {
		u.InputTokens = parsed.Usage.PromptTokens
		u.OutputTokens = parsed.Usage.CompletionTokens
	}

	if len(parsed.Choices) == 0 {
		return model.TextReply{Content: model.EmptyResponse, Usage: u}, nil
	}
	msg := parsed.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		args, err := decodeArguments(call.Function.Arguments)
		if err != nil {
			return nil, c.fail(model.KindBadResponse, resp.StatusCode,
				fmt.Errorf("tool call %s: %w", call.Function.Name, err))
		}
		return model.ActionCall{Name: call.Function.Name, Arguments: args, Usage: u}, nil
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		content = model.EmptyResponse
	}
	return model.TextReply{Content: content, Usage: u}, nil
}

func (c *Client) fail(kind model.ErrorKind, status int, err error) error {
	return &model.GatewayError{Provider: providerName, Kind: kind, Status: status, Err: err}
}

func toMessages(messages []prompt.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func toTools(schemas []action.Schema) ([]tool, error) {
	out := make([]tool, 0, len(schemas))
	for _, s := range schemas {
		params, err := s.JSONSchema()
		if err != nil {
			return nil, err
		}
		out = append(out, tool{
			Type: "function",
			Function: toolFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// decodeArguments parses the JSON-encoded argument string of a tool call.
// An empty string means no arguments.
func decodeArguments(raw string) (action.Args, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return action.Args{}, nil
	}
	var args action.Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = action.Args{}
	}
	return args, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
