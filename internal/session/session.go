// Package session runs the per-message pipeline: persist the user turn,
// assemble context, ask the completion gateway, dispatch an action if one is
// requested, persist the assistant turn and deliver it to every channel of
// the user.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/chatdesk/internal/action"
	"github.com/stupiduntilnot/chatdesk/internal/control"
	"github.com/stupiduntilnot/chatdesk/internal/db"
	"github.com/stupiduntilnot/chatdesk/internal/history"
	"github.com/stupiduntilnot/chatdesk/internal/hub"
	"github.com/stupiduntilnot/chatdesk/internal/model"
	"github.com/stupiduntilnot/chatdesk/internal/prompt"
)

// State names a pipeline stage. Transitions are logged at debug level.
type State string

const (
	StateIdle               State = "idle"
	StateReceiving          State = "receiving"
	StatePersistingUser     State = "persisting_user"
	StateBuildingContext    State = "building_context"
	StateAwaitingCompletion State = "awaiting_completion"
	StateDispatching        State = "dispatching"
	StateReplying           State = "replying"
	StatePersistingReply    State = "persisting_assistant"
	StateDelivering         State = "delivering"
)

// User-visible fallback texts.
const (
	InvalidFrameText   = "Tin nhắn không hợp lệ. Mình vui lòng gửi lại theo dạng {\"message\": \"...\"} nhé."
	PersistFailedText  = "Xin lỗi, hệ thống chưa lưu được tin nhắn của mình. Mình vui lòng thử lại sau nhé."
	ContextFailedText  = "Xin lỗi, em chưa đọc được lịch sử trò chuyện. Mình vui lòng thử lại sau nhé."
	GatewayFailedText  = "Xin lỗi, hiện tại em chưa thể xử lý yêu cầu. Mình vui lòng thử lại sau nhé."
	CircuitOpenText    = "Hệ thống đang bận, mình vui lòng thử lại sau ít phút nhé."
	DefaultMaxWallTime = 60 * time.Second
	FinishTimeout      = 10 * time.Second
)

// ErrCircuitOpen is returned when the breaker rejects a completion.
var ErrCircuitOpen = errors.New("completion circuit open")

// ErrInvalidFrame is returned for inbound frames that are not {"message": "..."}.
var ErrInvalidFrame = errors.New("invalid inbound frame")

// ContextBuilder assembles the messages sent to the gateway.
type ContextBuilder interface {
	Build(ctx context.Context, userID, newMessage string) ([]prompt.Message, error)
}

// Deliverer sends frames to every channel of a user.
type Deliverer interface {
	SendTo(ctx context.Context, userID string, f hub.Frame) int
}

// EventLogger writes audit events. db.EventLog implements it.
type EventLogger interface {
	LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Inbound is the frame a client sends.
type Inbound struct {
	Message string `json:"message"`
}

// DecodeInbound parses a client frame. Empty messages are rejected.
func DecodeInbound(raw []byte) (string, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return "", fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}
	return msg, nil
}

// Deps wires a Coordinator.
type Deps struct {
	History  history.Store
	Context  ContextBuilder
	Provider model.Provider
	Actions  *action.Dispatcher
	Hub      Deliverer
	Breaker  *control.CircuitBreaker
	Policy   control.Policy
	Events   EventLogger
	Log      *zap.Logger
	Now      func() time.Time
}

// Coordinator runs the pipeline. It is safe for concurrent use; callers keep
// frames of one channel sequential.
type Coordinator struct {
	history  history.Store
	context  ContextBuilder
	provider model.Provider
	actions  *action.Dispatcher
	hub      Deliverer
	breaker  *control.CircuitBreaker
	policy   control.Policy
	events   EventLogger
	log      *zap.Logger
	now      func() time.Time
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		history:  d.History,
		context:  d.Context,
		provider: d.Provider,
		actions:  d.Actions,
		hub:      d.Hub,
		breaker:  d.Breaker,
		policy:   d.Policy,
		events:   d.Events,
		log:      d.Log,
		now:      d.Now,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.breaker == nil {
		c.breaker = control.NewCircuitBreaker(0, 0)
		c.breaker.OnTransition = c.LogCircuitTransition
	}
	if c.policy.MaxWallTime <= 0 {
		c.policy.MaxWallTime = DefaultMaxWallTime
	}
	return c
}

// HandleFrame processes one raw frame from ch. Malformed frames get an error
// frame on ch only and nothing is persisted.
func (c *Coordinator) HandleFrame(ctx context.Context, userID string, ch hub.Channel, raw []byte) error {
	c.transition(userID, StateReceiving)
	msg, err := DecodeInbound(raw)
	if err != nil {
		c.reject(ctx, userID, ch, InvalidFrameText)
		c.transition(userID, StateIdle)
		return err
	}
	return c.HandleMessage(ctx, userID, ch, msg)
}

// HandleMessage runs the pipeline for a decoded message. It returns an error
// only when the user turn could not be persisted; every other failure is
// turned into an assistant reply.
func (c *Coordinator) HandleMessage(ctx context.Context, userID string, ch hub.Channel, text string) error {
	defer c.transition(userID, StateIdle)

	// Remote work is detached from the connection so a disconnect does not
	// abort a half-finished action.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.MaxWallTime)
	defer cancel()

	root := c.event(nil, db.EventMessageReceived, map[string]any{
		"user_id": userID,
		"text":    truncate(text, 1000),
	})

	c.transition(userID, StatePersistingUser)
	if err := c.history.Append(work, userID, history.RoleUser, text); err != nil {
		c.log.Error("persist user turn failed", zap.String("user_id", userID), zap.Error(err))
		c.event(root, db.EventTurnPersistFailed, map[string]any{"role": "user", "error": err.Error()})
		c.reject(ctx, userID, ch, PersistFailedText)
		return err
	}
	c.event(root, db.EventTurnPersisted, map[string]any{"role": "user"})

	reply := c.reply(work, userID, root, text)

	// The work deadline may already be spent by a slow completion; the reply
	// gets its own budget for persisting and delivery.
	finish, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), FinishTimeout)
	defer cancelFinish()

	c.transition(userID, StatePersistingReply)
	if err := c.history.Append(finish, userID, history.RoleAssistant, reply); err != nil {
		c.log.Error("persist assistant turn failed", zap.String("user_id", userID), zap.Error(err))
		c.event(root, db.EventTurnPersistFailed, map[string]any{"role": "assistant", "error": err.Error()})
	} else {
		c.event(root, db.EventTurnPersisted, map[string]any{"role": "assistant"})
	}

	c.transition(userID, StateDelivering)
	n := c.hub.SendTo(finish, userID, hub.AssistantFrame(reply))
	c.event(root, db.EventReplyDelivered, map[string]any{"channels": n})
	return nil
}

// reply produces the assistant content for text. It never fails: errors
// become readable replies.
func (c *Coordinator) reply(ctx context.Context, userID string, root *int64, text string) string {
	c.transition(userID, StateBuildingContext)
	messages, err := c.context.Build(ctx, userID, text)
	if err != nil {
		c.log.Error("build context failed", zap.String("user_id", userID), zap.Error(err))
		c.event(root, db.EventCompletionFailed, map[string]any{"stage": "context", "error": err.Error()})
		return ContextFailedText
	}
	c.event(root, db.EventContextAssembled, map[string]any{"message_count": len(messages)})

	c.transition(userID, StateAwaitingCompletion)
	var schemas []action.Schema
	if c.actions != nil {
		schemas = c.actions.Registry().Schemas()
	}
	res, err := c.complete(ctx, userID, root, model.Request{Messages: messages, Actions: schemas})
	if err != nil {
		c.log.Warn("completion failed",
			zap.String("user_id", userID),
			zap.String("error_class", model.ErrorClass(err)),
			zap.Error(err))
		c.event(root, db.EventCompletionFailed, map[string]any{
			"error_class": model.ErrorClass(err),
			"error":       err.Error(),
		})
		if errors.Is(err, ErrCircuitOpen) {
			return CircuitOpenText
		}
		return GatewayFailedText
	}
	usage := res.TokenUsage()
	c.event(root, db.EventCompletionCompleted, map[string]any{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	})

	switch r := res.(type) {
	case model.ActionCall:
		c.transition(userID, StateDispatching)
		return c.dispatch(ctx, userID, root, r)
	case model.TextReply:
		c.transition(userID, StateReplying)
		if strings.TrimSpace(r.Content) == "" {
			return model.EmptyResponse
		}
		return r.Content
	default:
		return model.EmptyResponse
	}
}

func (c *Coordinator) complete(ctx context.Context, userID string, root *int64, req model.Request) (model.Reply, error) {
	started := c.now()
	for attempt := 1; ; attempt++ {
		if !c.breaker.Allow(c.now()) {
			return nil, ErrCircuitOpen
		}
		res, err := c.provider.Complete(ctx, req)
		if err == nil {
			c.breaker.RecordSuccess()
			return res, nil
		}
		class := model.ErrorClass(err)
		c.breaker.RecordFailure(class, c.now())

		var gwErr *model.GatewayError
		if !errors.As(err, &gwErr) || !gwErr.Retryable() || !control.ShouldRetry(c.policy, attempt) {
			return nil, err
		}
		backoff := control.RetryBackoff(c.policy, attempt)
		if limitErr := control.CheckWallTime(c.policy, started, c.now().Add(backoff)); limitErr != nil {
			c.log.Info("completion retry skipped",
				zap.String("user_id", userID),
				zap.Int("attempt", attempt),
				zap.Error(limitErr))
			return nil, err
		}
		c.log.Info("completion retry scheduled",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.String("error_class", class))
		c.event(root, db.EventRetryScheduled, map[string]any{
			"attempt":      attempt,
			"backoff_ms":   backoff.Milliseconds(),
			"error_class":  class,
			"max_attempts": c.policy.MaxRetries + 1,
		})
		if err := control.Sleep(ctx, backoff); err != nil {
			return nil, &model.GatewayError{Provider: gwErr.Provider, Kind: model.KindNetwork, Err: err}
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, userID string, root *int64, call model.ActionCall) string {
	log := c.log.With(zap.String("user_id", userID), zap.String("action", call.Name))
	if c.actions == nil {
		err := &action.UnknownActionError{Name: call.Name}
		c.event(root, db.EventActionFailed, map[string]any{"action": call.Name, "error": err.Error()})
		return DescribeActionError(err)
	}
	result, err := c.actions.Dispatch(ctx, call.Call())
	if err == nil {
		var encoded string
		encoded, err = action.Encode(result)
		if err == nil {
			log.Debug("action dispatched")
			c.event(root, db.EventActionDispatched, map[string]any{"action": call.Name})
			return encoded
		}
		err = &action.HandlerError{Action: call.Name, Err: err}
	}
	log.Warn("action failed", zap.Error(err))
	c.event(root, db.EventActionFailed, map[string]any{"action": call.Name, "error": err.Error()})
	return DescribeActionError(err)
}

// DescribeActionError turns a dispatcher failure into an assistant message.
func DescribeActionError(err error) string {
	var unknown *action.UnknownActionError
	var invalid *action.InvalidArgumentsError
	var handler *action.HandlerError
	switch {
	case errors.As(err, &unknown):
		return fmt.Sprintf("Xin lỗi, em chưa hỗ trợ thao tác %q.", unknown.Name)
	case errors.As(err, &invalid):
		return fmt.Sprintf("Thông tin %q cho thao tác %s chưa hợp lệ (%s). Mình vui lòng cung cấp lại nhé.",
			invalid.Field, invalid.Action, invalid.Reason)
	case errors.As(err, &handler):
		return fmt.Sprintf("Xin lỗi, em chưa thực hiện được %s: %v.", handler.Action, handler.Err)
	default:
		return GatewayFailedText
	}
}

func (c *Coordinator) reject(ctx context.Context, userID string, ch hub.Channel, text string) {
	if ch == nil {
		return
	}
	if err := ch.Send(ctx, hub.AssistantFrame(text)); err != nil {
		c.log.Warn("send error frame failed",
			zap.String("user_id", userID),
			zap.String("channel_id", ch.ID()),
			zap.Error(err))
	}
}

func (c *Coordinator) transition(userID string, s State) {
	c.log.Debug("pipeline state", zap.String("user_id", userID), zap.String("state", string(s)))
}

func (c *Coordinator) event(parent *int64, eventType string, payload map[string]any) *int64 {
	if c.events == nil {
		return nil
	}
	id, err := c.events.LogEvent(parent, eventType, payload)
	if err != nil {
		c.log.Warn("log event failed", zap.String("event_type", eventType), zap.Error(err))
		return nil
	}
	return &id
}

// LogCircuitTransition records a breaker state change. Callers that inject
// their own breaker install it as the breaker's OnTransition.
func (c *Coordinator) LogCircuitTransition(from, to control.CircuitState, errClass string) {
	c.log.Warn("circuit breaker transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("error_class", errClass))
	var eventType string
	switch to {
	case control.CircuitOpen:
		eventType = db.EventCircuitOpened
	case control.CircuitHalfOpen:
		eventType = db.EventCircuitHalfOpen
	case control.CircuitClosed:
		eventType = db.EventCircuitClosed
	default:
		return
	}
	c.event(nil, eventType, map[string]any{
		"error_class":      errClass,
		"threshold":        c.breaker.Threshold,
		"cooldown_seconds": int(c.breaker.Cooldown.Seconds()),
	})
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
