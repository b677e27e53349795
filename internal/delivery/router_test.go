package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chat-delivery/internal/mocks"
	"chat-delivery/internal/models"
	"chat-delivery/internal/presence"
	"chat-delivery/internal/repositories"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingConn struct {
	id string

	mu     sync.Mutex
	pushed []models.Message
	closed error
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Push(_ context.Context, msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return models.ErrConnClosed
	}
	c.pushed = append(c.pushed, msg)
	return nil
}

func (c *recordingConn) Close(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		c.closed = reason
	}
}

func (c *recordingConn) messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.pushed...)
}

// blockingConn never accepts a push; it waits for the caller to give up.
type blockingConn struct{}

func (blockingConn) ID() string { return "blocking" }

func (blockingConn) Push(ctx context.Context, _ models.Message) error {
	<-ctx.Done()
	return fmt.Errorf("%w: %v", models.ErrDeliveryTimeout, ctx.Err())
}

func (blockingConn) Close(error) {}

// ctxCheckingConn refuses pushes whose context is already done.
type ctxCheckingConn struct {
	recordingConn
}

func (c *ctxCheckingConn) Push(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrDeliveryTimeout, err)
	}
	return c.recordingConn.Push(ctx, msg)
}

// cancelAfterAppend cancels the caller's context once the message is stored.
type cancelAfterAppend struct {
	repositories.MessageRepository
	cancel context.CancelFunc
}

func (s cancelAfterAppend) Append(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	stored, created, err := s.MessageRepository.Append(ctx, msg)
	s.cancel()
	return stored, created, err
}

type auditRecord struct {
	msg       models.Message
	delivered bool
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *recordingAuditor) MessageStored(_ context.Context, _ string, msg models.Message, delivered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{msg: msg, delivered: delivered})
}

func newTestRouter(opts ...Option) (*Router, *presence.Registry) {
	registry := presence.NewRegistry()
	return NewRouter(repositories.NewMemoryMessageRepo(0), registry, opts...), registry
}

func TestSendOfflineRecipientStoresMessage(t *testing.T) {
	router, _ := newTestRouter()
	ctx := context.Background()

	res, err := router.Send(ctx, SendRequest{From: "alice", To: "bob", Body: "are you there?"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Delivered)
	assert.Equal(t, int64(1), res.Message.Seq)

	history, err := router.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.Message.ID, history[0].ID)
}

func TestSendPushesOnceToConnectedRecipient(t *testing.T) {
	auditor := &recordingAuditor{}
	router, registry := newTestRouter(WithAuditor(auditor))
	bob := &recordingConn{id: "bob-1"}
	registry.Register("bob", bob)

	req := SendRequest{From: "alice", To: "bob", Body: "hello", IdempotencyKey: "k-1"}
	first, err := router.Send(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.Delivered)

	replay, err := router.Send(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, replay.Created)
	assert.False(t, replay.Delivered)
	assert.Equal(t, first.Message.ID, replay.Message.ID)

	pushed := bob.messages()
	require.Len(t, pushed, 1)
	assert.Equal(t, first.Message, pushed[0])

	require.Len(t, auditor.records, 1)
	assert.True(t, auditor.records[0].delivered)

	history, err := router.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSendDoesNotPushToSender(t *testing.T) {
	router, registry := newTestRouter()
	alice := &recordingConn{id: "alice-1"}
	registry.Register("alice", alice)

	_, err := router.Send(context.Background(), SendRequest{From: "alice", To: "bob", Body: "hi"})
	require.NoError(t, err)
	assert.Empty(t, alice.messages())
}

func TestSendPushTimeoutIsNotAnError(t *testing.T) {
	router, registry := newTestRouter(WithPushTimeout(20 * time.Millisecond))
	registry.Register("bob", blockingConn{})

	start := time.Now()
	res, err := router.Send(context.Background(), SendRequest{From: "alice", To: "bob", Body: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Delivered)
	assert.Less(t, time.Since(start), 2*time.Second)

	history, err := router.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSendPushSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := presence.NewRegistry()
	store := cancelAfterAppend{MessageRepository: repositories.NewMemoryMessageRepo(0), cancel: cancel}
	router := NewRouter(store, registry)
	bob := &ctxCheckingConn{recordingConn: recordingConn{id: "bob-1"}}
	registry.Register("bob", bob)

	res, err := router.Send(ctx, SendRequest{From: "alice", To: "bob", Body: "still here"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Delivered)
	require.Len(t, bob.messages(), 1)
	assert.Equal(t, res.Message.ID, bob.messages()[0].ID)
}

func TestSendToClosedConnectionIsNotAnError(t *testing.T) {
	router, registry := newTestRouter()
	bob := &recordingConn{id: "bob-1"}
	registry.Register("bob", bob)
	bob.Close(models.ErrConnClosed)

	res, err := router.Send(context.Background(), SendRequest{From: "alice", To: "bob", Body: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestSendValidation(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	router := NewRouter(store, presence.NewRegistry(), WithMaxBodyLength(5))

	cases := map[string]SendRequest{
		"missing from": {To: "bob", Body: "hi"},
		"missing to":   {From: "alice", Body: "hi"},
		"self":         {From: "alice", To: "alice", Body: "hi"},
		"blank body":   {From: "alice", To: "bob", Body: "  \n"},
		"too long":     {From: "alice", To: "bob", Body: "toolong"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := router.Send(context.Background(), req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
	store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestSendStorageFailureSkipsPush(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	store.On("Append", mock.Anything, models.NewMessage{From: "alice", To: "bob", Body: "hi"}).
		Return(nil, false, fmt.Errorf("%w: insert: connection refused", models.ErrStorage)).Once()

	registry := presence.NewRegistry()
	conn := new(mocks.ConnMock)
	registry.Register("bob", conn)

	router := NewRouter(store, registry)
	_, err := router.Send(context.Background(), SendRequest{From: "alice", To: "bob", Body: "hi"})
	assert.ErrorIs(t, err, models.ErrStorage)

	store.AssertExpectations(t)
	conn.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
}

func TestHistoryRequiresBothParties(t *testing.T) {
	router, _ := newTestRouter()
	_, err := router.History(context.Background(), "alice", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHistoryPropagatesStorageError(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	store.On("ReadAll", mock.Anything, "alice", "bob").Return(nil, models.ErrStorage).Once()

	router := NewRouter(store, presence.NewRegistry())
	_, err := router.History(context.Background(), "alice", "bob")
	assert.ErrorIs(t, err, models.ErrStorage)
	store.AssertExpectations(t)
}

func TestConversationScenarioConverges(t *testing.T) {
	router, registry := newTestRouter()
	ctx := context.Background()
	alice := &recordingConn{id: "a-1"}
	bob := &recordingConn{id: "b-1"}
	registry.Register("A", alice)
	registry.Register("B", bob)

	hi, err := router.Send(ctx, SendRequest{From: "A", To: "B", Body: "hi"})
	require.NoError(t, err)
	yo, err := router.Send(ctx, SendRequest{From: "B", To: "A", Body: "yo"})
	require.NoError(t, err)

	require.Len(t, bob.messages(), 1)
	assert.Equal(t, "hi", bob.messages()[0].Body)
	require.Len(t, alice.messages(), 1)
	assert.Equal(t, "yo", alice.messages()[0].Body)

	history, err := router.History(ctx, "A", "B")
	require.NoError(t, err)

	assert.Equal(t, []models.ViewMessage{
		{ID: hi.Message.ID, Seq: 1, FromSelf: true, Message: "hi", CreatedAt: hi.Message.CreatedAt},
		{ID: yo.Message.ID, Seq: 2, FromSelf: false, Message: "yo", CreatedAt: yo.Message.CreatedAt},
	}, models.ToViews(history, "A"))

	mirror, err := router.History(ctx, "B", "A")
	require.NoError(t, err)
	views := models.ToViews(mirror, "B")
	require.Len(t, views, 2)
	assert.False(t, views[0].FromSelf)
	assert.True(t, views[1].FromSelf)
}

func TestConcurrentSendsKeepTotalOrder(t *testing.T) {
	router, registry := newTestRouter()
	bob := &recordingConn{id: "bob-1"}
	registry.Register("bob", bob)

	const senders, perSender = 4, 25
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			from := "alice"
			to := "bob"
			if s%2 == 1 {
				from, to = to, from
			}
			for i := 0; i < perSender; i++ {
				_, err := router.Send(context.Background(), SendRequest{From: from, To: to, Body: fmt.Sprintf("%d-%d", s, i)})
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	history, err := router.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, senders*perSender)
	for i, msg := range history {
		assert.Equal(t, int64(i+1), msg.Seq)
	}

	// Bob received exactly the messages addressed to him, once each.
	seen := map[string]int{}
	for _, msg := range bob.messages() {
		seen[msg.ID]++
		assert.Equal(t, "bob", msg.To)
	}
	assert.Len(t, seen, senders/2*perSender)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
