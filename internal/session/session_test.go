package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatdesk/internal/action"
	"github.com/stupiduntilnot/chatdesk/internal/control"
	"github.com/stupiduntilnot/chatdesk/internal/db"
	"github.com/stupiduntilnot/chatdesk/internal/dummy"
	"github.com/stupiduntilnot/chatdesk/internal/history"
	"github.com/stupiduntilnot/chatdesk/internal/hub"
	"github.com/stupiduntilnot/chatdesk/internal/model"
	"github.com/stupiduntilnot/chatdesk/internal/prompt"
	"github.com/stupiduntilnot/chatdesk/internal/ticket"
)

const bookingMessage = "Tôi muốn đặt vé Hà Nội - Hải Phòng 8 giờ sáng, 2 ghế"

type fakeChannel struct {
	id string

	mu     sync.Mutex
	frames []hub.Frame
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(_ context.Context, f hub.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeChannel) received() []hub.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hub.Frame(nil), c.frames...)
}

// deadlineChannel rejects frames sent on a context that is already done,
// as a socket write with a past deadline would.
type deadlineChannel struct {
	fakeChannel
}

func (c *deadlineChannel) Send(ctx context.Context, f hub.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fakeChannel.Send(ctx, f)
}

// failingStore fails Append for the configured role.
type failingStore struct {
	history.Store
	failRole history.Role
}

func (s *failingStore) Append(ctx context.Context, userID string, role history.Role, content string) error {
	if role == s.failRole {
		return &history.StorageError{Op: "append", UserID: userID, Err: errors.New("disk full")}
	}
	return s.Store.Append(ctx, userID, role, content)
}

// recordingProvider captures requests and replays a fixed reply.
type recordingProvider struct {
	mu       sync.Mutex
	requests []model.Request
	reply    model.Reply
}

func (p *recordingProvider) Complete(_ context.Context, req model.Request) (model.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.reply, nil
}

type fixture struct {
	db      *sql.DB
	store   *history.SQLiteStore
	hub     *hub.Hub
	channel *fakeChannel
	sibling *fakeChannel
	breaker *control.CircuitBreaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.InitSchema(database))

	f := &fixture{
		db:      database,
		store:   history.NewSQLiteStore(database),
		hub:     hub.New(),
		channel: &fakeChannel{id: "phone"},
		sibling: &fakeChannel{id: "laptop"},
		breaker: control.NewCircuitBreaker(5, time.Minute),
	}
	f.hub.Connect("u1", f.channel)
	f.hub.Connect("u1", f.sibling)
	return f
}

func (f *fixture) coordinator(t *testing.T, store history.Store, provider model.Provider) *Coordinator {
	t.Helper()
	reg := action.NewRegistry()
	svc := ticket.NewService()
	svc.NewID = func() string { return "TICKET01" }
	require.NoError(t, ticket.Register(reg, svc))

	builder := prompt.NewBuilder(store, prompt.DefaultWindow, "")
	builder.InputPersisted = true

	c := New(Deps{
		History:  store,
		Context:  builder,
		Provider: provider,
		Actions:  action.NewDispatcher(reg),
		Hub:      f.hub,
		Breaker:  f.breaker,
		Policy:   control.Policy{MaxRetries: 2, MaxWallTime: 5 * time.Second, BaseBackoff: time.Millisecond},
		Events:   &db.EventLog{DB: f.db},
	})
	f.breaker.OnTransition = c.LogCircuitTransition
	return c
}

func (f *fixture) turns(t *testing.T) []history.Turn {
	t.Helper()
	turns, err := f.store.Recent(context.Background(), "u1", 100)
	require.NoError(t, err)
	return turns
}

func frame(t *testing.T, msg string) []byte {
	t.Helper()
	raw, err := json.Marshal(Inbound{Message: msg})
	require.NoError(t, err)
	return raw
}

func TestHandleFrame_BookingEndToEnd(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", `call:book_ticket:{"route":"Hà Nội - Hải Phòng","time":"08:00","seats":2}`)
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	require.NoError(t, c.HandleFrame(context.Background(), "u1", f.channel, frame(t, bookingMessage)))

	got := f.channel.received()
	require.Len(t, got, 1)
	assert.Equal(t, "assistant", got[0].Role)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[0].Content), &result))
	assert.Equal(t, float64(300000), result["total_price"])
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, "TICKET01", result["ticket_id"])
	assert.Equal(t, "Hà Nội - Hải Phòng", result["route"])

	// Every device of the user gets the reply.
	assert.Equal(t, got, f.sibling.received())

	turns := f.turns(t)
	require.Len(t, turns, 2)
	assert.Equal(t, history.RoleUser, turns[0].Role)
	assert.Equal(t, bookingMessage, turns[0].Content)
	assert.Equal(t, history.RoleAssistant, turns[1].Role)
	assert.Equal(t, got[0].Content, turns[1].Content)
	assert.Equal(t, 1, provider.Calls())
}

func TestHandleFrame_InvalidFrameRepliesToOriginOnly(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "msg:never")
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	for _, raw := range [][]byte{[]byte("not json"), []byte(`{"message":"   "}`), []byte(`{}`)} {
		err := c.HandleFrame(context.Background(), "u1", f.channel, raw)
		assert.ErrorIs(t, err, ErrInvalidFrame)
	}

	assert.Len(t, f.channel.received(), 3)
	assert.Equal(t, InvalidFrameText, f.channel.received()[0].Content)
	assert.Empty(t, f.sibling.received())
	assert.Empty(t, f.turns(t))
	assert.Zero(t, provider.Calls())
}

func TestHandleMessage_UserPersistFailureNeverCallsGateway(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "msg:never")
	require.NoError(t, err)
	c := f.coordinator(t, &failingStore{Store: f.store, failRole: history.RoleUser}, provider)

	err = c.HandleMessage(context.Background(), "u1", f.channel, "xin chào")
	var storageErr *history.StorageError
	require.ErrorAs(t, err, &storageErr)

	assert.Zero(t, provider.Calls())
	require.Len(t, f.channel.received(), 1)
	assert.Equal(t, PersistFailedText, f.channel.received()[0].Content)
	assert.Empty(t, f.sibling.received())
	assert.Empty(t, f.turns(t))
}

func TestHandleMessage_AssistantPersistFailureStillDelivers(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "msg:Dạ, em chào mình")
	require.NoError(t, err)
	c := f.coordinator(t, &failingStore{Store: f.store, failRole: history.RoleAssistant}, provider)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "xin chào"))

	require.Len(t, f.channel.received(), 1)
	assert.Equal(t, "Dạ, em chào mình", f.channel.received()[0].Content)
	turns := f.turns(t)
	require.Len(t, turns, 1)
	assert.Equal(t, history.RoleUser, turns[0].Role)
}

func TestHandleMessage_NonRetryableGatewayErrorApologizes(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "err:auth")
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "xin chào"))

	assert.Equal(t, 1, provider.Calls())
	require.Len(t, f.channel.received(), 1)
	assert.Equal(t, GatewayFailedText, f.channel.received()[0].Content)

	turns := f.turns(t)
	require.Len(t, turns, 2)
	assert.Equal(t, GatewayFailedText, turns[1].Content)
}

func TestHandleMessage_RetryableGatewayErrorRetried(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "err:server,err:rate_limit,msg:ok rồi")
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "xin chào"))

	assert.Equal(t, 3, provider.Calls())
	require.Len(t, f.channel.received(), 1)
	assert.Equal(t, "ok rồi", f.channel.received()[0].Content)
}

func TestHandleMessage_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "err:network")
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "xin chào"))

	// One attempt plus MaxRetries retries.
	assert.Equal(t, 3, provider.Calls())
	assert.Equal(t, GatewayFailedText, f.channel.received()[0].Content)
}

func TestHandleMessage_RetrySkippedPastWallTime(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "err:server,msg:too late")
	require.NoError(t, err)
	c := New(Deps{
		History:  f.store,
		Context:  prompt.NewBuilder(f.store, prompt.DefaultWindow, ""),
		Provider: provider,
		Hub:      f.hub,
		Breaker:  f.breaker,
		Policy:   control.Policy{MaxRetries: 3, MaxWallTime: time.Second, BaseBackoff: 10 * time.Second},
	})

	start := time.Now()
	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "xin chào"))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, GatewayFailedText, f.channel.received()[0].Content)
}

func TestHandleMessage_SlowCompletionStillPersistedAndDelivered(t *testing.T) {
	f := newFixture(t)
	ch := &deadlineChannel{fakeChannel{id: "tablet"}}
	h := hub.New()
	h.Connect("u1", ch)
	provider, err := dummy.NewProvider("dummy", "sleep:2000")
	require.NoError(t, err)
	c := New(Deps{
		History:  f.store,
		Context:  prompt.NewBuilder(f.store, prompt.DefaultWindow, ""),
		Provider: provider,
		Hub:      h,
		Breaker:  f.breaker,
		Policy:   control.Policy{MaxRetries: 1, MaxWallTime: 200 * time.Millisecond, BaseBackoff: time.Millisecond},
	})

	require.NoError(t, c.HandleMessage(context.Background(), "u1", ch, "xin chào"))

	got := ch.received()
	require.Len(t, got, 1)
	assert.Equal(t, GatewayFailedText, got[0].Content)
	assert.Equal(t, 1, h.Count("u1"))
	assert.Zero(t, h.Failures())

	turns := f.turns(t)
	require.Len(t, turns, 2)
	assert.Equal(t, GatewayFailedText, turns[1].Content)
}

func TestHandleMessage_OpenCircuitSkipsGateway(t *testing.T) {
	f := newFixture(t)
	f.breaker = control.NewCircuitBreaker(1, time.Hour)
	provider, err := dummy.NewProvider("dummy", "err:auth")
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "một"))
	require.Equal(t, control.CircuitOpen, f.breaker.State())

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "hai"))
	assert.Equal(t, 1, provider.Calls())
	got := f.channel.received()
	require.Len(t, got, 2)
	assert.Equal(t, CircuitOpenText, got[1].Content)

	var opened int
	require.NoError(t, f.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE event_type = ?`, db.EventCircuitOpened,
	).Scan(&opened))
	assert.Equal(t, 1, opened)
}

func TestNew_LeavesInjectedBreakerUntouched(t *testing.T) {
	breaker := control.NewCircuitBreaker(1, time.Hour)
	New(Deps{Breaker: breaker})
	assert.Nil(t, breaker.OnTransition)

	var seen []control.CircuitState
	breaker.OnTransition = func(_, to control.CircuitState, _ string) { seen = append(seen, to) }
	New(Deps{Breaker: breaker})
	breaker.RecordFailure("server", time.Now())
	assert.Equal(t, []control.CircuitState{control.CircuitOpen}, seen)
}

func TestHandleMessage_DispatchErrorsBecomeReplies(t *testing.T) {
	cases := []struct {
		name   string
		script string
		want   string
	}{
		{"unknown action", `call:teleport:{"to":"moon"}`, "teleport"},
		{"missing field", `call:book_ticket:{"route":"A - B","time":"08:00"}`, "seats"},
		{"handler error", `call:book_ticket:{"route":"A - B","time":"08:00","seats":0}`, "book_ticket"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			provider, err := dummy.NewProvider("dummy", tc.script)
			require.NoError(t, err)
			c := f.coordinator(t, f.store, provider)

			require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "làm gì đó"))

			got := f.channel.received()
			require.Len(t, got, 1)
			assert.Contains(t, got[0].Content, tc.want)
			turns := f.turns(t)
			require.Len(t, turns, 2)
			assert.Equal(t, got[0].Content, turns[1].Content)
		})
	}
}

func TestHandleMessage_ContextCarriesHistoryAndActions(t *testing.T) {
	f := newFixture(t)
	provider := &recordingProvider{reply: model.TextReply{Content: "dạ"}}
	c := f.coordinator(t, f.store, provider)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "một"))
	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "hai"))

	require.Len(t, provider.requests, 2)
	first := provider.requests[0].Messages
	require.Len(t, first, 2)
	assert.Equal(t, history.RoleSystem, first[0].Role)
	assert.Equal(t, prompt.Message{Role: history.RoleUser, Content: "một"}, first[1])

	second := provider.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "một", second[1].Content)
	assert.Equal(t, "dạ", second[2].Content)
	assert.Equal(t, "hai", second[3].Content)

	var names []string
	for _, s := range provider.requests[0].Actions {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{ticket.ActionBookTicket, ticket.ActionCancelTicket, ticket.ActionGetTicketInfo}, names)
}

func TestHandleMessage_CancelledConnectionStillCompletes(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", "sleep:20")
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.HandleMessage(ctx, "u1", f.channel, "xin chào"))

	require.Len(t, f.channel.received(), 1)
	assert.Equal(t, "dummy-after-sleep", f.channel.received()[0].Content)
	assert.Len(t, f.turns(t), 2)
}

func TestHandleMessage_AuditTrail(t *testing.T) {
	f := newFixture(t)
	provider, err := dummy.NewProvider("dummy", `call:get_ticket_info:{"route":"A - B","date":"2026-10-18","time":"08:00"}`)
	require.NoError(t, err)
	c := f.coordinator(t, f.store, provider)

	require.NoError(t, c.HandleMessage(context.Background(), "u1", f.channel, "còn vé không?"))

	rootID, err := db.LatestMessageRoot(f.db, "u1")
	require.NoError(t, err)
	events, err := db.QuerySubtree(f.db, rootID)
	require.NoError(t, err)

	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		db.EventMessageReceived,
		db.EventTurnPersisted,
		db.EventContextAssembled,
		db.EventCompletionCompleted,
		db.EventActionDispatched,
		db.EventTurnPersisted,
		db.EventReplyDelivered,
	}, types)
}

func TestDescribeActionError(t *testing.T) {
	assert.Contains(t, DescribeActionError(&action.UnknownActionError{Name: "fly"}), "fly")
	assert.Contains(t, DescribeActionError(&action.InvalidArgumentsError{Action: "book", Field: "seats", Reason: "required"}), "seats")
	assert.Equal(t, GatewayFailedText, DescribeActionError(errors.New("other")))
}
