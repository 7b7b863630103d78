// Package hub tracks the live channels of every connected user and delivers
// frames to them.
//
// Users are spread over lock-striped shards. A shard's mutex guards only its
// own map, and no lock is held while a frame is being written to a channel:
// senders snapshot the channel list under the lock and deliver outside it.
package hub

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultShards  = 32
	DefaultWorkers = 16
)

// Frame is the outbound message shape.
type Frame struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AssistantFrame wraps content as an assistant frame.
func AssistantFrame(content string) Frame {
	return Frame{Role: "assistant", Content: content}
}

// Channel is one live connection of a user. IDs must be unique per user.
type Channel interface {
	ID() string
	Send(ctx context.Context, f Frame) error
}

// DeliveryError reports a failed send to a single channel. It is logged and
// counted, never returned to callers.
type DeliveryError struct {
	UserID    string
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to user=%s channel=%s: %v", e.UserID, e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// HookFunc observes channel registration changes.
type HookFunc func(userID, channelID string)

type shard struct {
	mu    sync.Mutex
	users map[string]map[string]Channel
}

// Hub is the connection registry.
type Hub struct {
	shards       []*shard
	workers      int
	log          *zap.Logger
	onConnect    HookFunc
	onDisconnect HookFunc
	failures     atomic.Int64
}

type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithWorkers bounds the number of concurrent sends per delivery.
func WithWorkers(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.workers = n
		}
	}
}

func WithShards(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.shards = newShards(n)
		}
	}
}

func OnConnect(fn HookFunc) Option {
	return func(h *Hub) { h.onConnect = fn }
}

func OnDisconnect(fn HookFunc) Option {
	return func(h *Hub) { h.onDisconnect = fn }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		shards:  newShards(DefaultShards),
		workers: DefaultWorkers,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{users: map[string]map[string]Channel{}}
	}
	return shards
}

func (h *Hub) shardFor(userID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(userID))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// Connect registers ch for userID.
func (h *Hub) Connect(userID string, ch Channel) {
	s := h.shardFor(userID)
	s.mu.Lock()
	set, ok := s.users[userID]
	if !ok {
		set = map[string]Channel{}
		s.users[userID] = set
	}
	set[ch.ID()] = ch
	s.mu.Unlock()

	h.log.Debug("channel connected", zap.String("user_id", userID), zap.String("channel_id", ch.ID()))
	if h.onConnect != nil {
		h.onConnect(userID, ch.ID())
	}
}

// Disconnect removes exactly ch from userID's set. The user entry is
// dropped together with its last channel. Unknown pairs are ignored.
func (h *Hub) Disconnect(userID string, ch Channel) {
	if !h.remove(userID, ch.ID()) {
		return
	}
	h.log.Debug("channel disconnected", zap.String("user_id", userID), zap.String("channel_id", ch.ID()))
	if h.onDisconnect != nil {
		h.onDisconnect(userID, ch.ID())
	}
}

func (h *Hub) remove(userID, channelID string) bool {
	s := h.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[channelID]; !ok {
		return false
	}
	delete(set, channelID)
	if len(set) == 0 {
		delete(s.users, userID)
	}
	return true
}

// Count returns the number of live channels for userID.
func (h *Hub) Count(userID string) int {
	s := h.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID])
}

// Users returns the connected user ids, sorted.
func (h *Hub) Users() []string {
	var users []string
	for _, s := range h.shards {
		s.mu.Lock()
		for id := range s.users {
			users = append(users, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(users)
	return users
}

// Failures returns the number of failed channel deliveries so far.
func (h *Hub) Failures() int64 {
	return h.failures.Load()
}

type target struct {
	userID string
	ch     Channel
}

// SendTo delivers f to every channel of userID and returns how many sends
// succeeded. Unknown users are a no-op.
func (h *Hub) SendTo(ctx context.Context, userID string, f Frame) int {
	s := h.shardFor(userID)
	s.mu.Lock()
	targets := make([]target, 0, len(s.users[userID]))
	for _, ch := range s.users[userID] {
		targets = append(targets, target{userID: userID, ch: ch})
	}
	s.mu.Unlock()
	return h.deliver(ctx, targets, f)
}

// Broadcast delivers f to every channel of every user. Shards are
// snapshotted one at a time.
func (h *Hub) Broadcast(ctx context.Context, f Frame) int {
	var targets []target
	for _, s := range h.shards {
		s.mu.Lock()
		for userID, set := range s.users {
			for _, ch := range set {
				targets = append(targets, target{userID: userID, ch: ch})
			}
		}
		s.mu.Unlock()
	}
	return h.deliver(ctx, targets, f)
}

func (h *Hub) deliver(ctx context.Context, targets []target, f Frame) int {
	if len(targets) == 0 {
		return 0
	}
	var delivered atomic.Int64
	p := pool.New().WithMaxGoroutines(h.workers)
	for _, t := range targets {
		p.Go(func() {
			if err := t.ch.Send(ctx, f); err != nil {
				h.fail(&DeliveryError{UserID: t.userID, ChannelID: t.ch.ID(), Err: err})
				return
			}
			delivered.Add(1)
		})
	}
	p.Wait()
	return int(delivered.Load())
}

// fail logs a delivery failure and drops the broken channel.
func (h *Hub) fail(err *DeliveryError) {
	h.failures.Add(1)
	h.log.Warn("channel delivery failed",
		zap.String("user_id", err.UserID),
		zap.String("channel_id", err.ChannelID),
		zap.Error(err))
	if h.remove(err.UserID, err.ChannelID) && h.onDisconnect != nil {
		h.onDisconnect(err.UserID, err.ChannelID)
	}
}
