// ABOUTME: Tests for the handoff coordinator against real rooms and the in-memory store
// ABOUTME: Covers the end-to-end handoff scenario, accept races, queuing, relays, and terminal state

package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/dispatch"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/room"
	"github.com/2389/handoff-gateway/internal/store"
)

type harness struct {
	rooms    *room.Registry
	presence *presence.Tracker
	store    *store.MockStore
	coord    *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	rooms := room.NewRegistry(nil)
	d := dispatch.New(rooms, nil)
	tracker := presence.New(rooms, d, nil)
	st := store.NewMockStore()
	coord := New(d, tracker, st, nil, opts...)
	t.Cleanup(func() {
		coord.Close()
		tracker.Close()
	})
	return &harness{rooms: rooms, presence: tracker, store: st, coord: coord}
}

func (h *harness) conversation(t *testing.T, id, tenant string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateConversation(ctx, &store.Conversation{ID: id, TenantID: tenant}))
	_, err := h.store.MarkTransferred(ctx, id, store.Handoff{Reason: "needs billing help", Priority: "high"})
	require.NoError(t, err)
}

func TestRequestHandoff_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Agent A comes online in tenant T; a dashboard observer watches too
	agentA := room.NewMemorySession("session-A")
	h.rooms.Join(agentA, room.Tenant("T"))
	h.presence.SetOnline(ctx, agentA, "A", "T")

	observer := room.NewMemorySession("observer")
	h.rooms.Join(observer, room.Tenant("T"))
	other := room.NewMemorySession("other-tenant")
	h.rooms.Join(other, room.Tenant("U"))

	h.conversation(t, "C", "T")
	n, err := h.coord.RequestHandoff(ctx, Request{
		ConversationID: "C",
		TenantID:       "T",
		Reason:         "needs billing help",
		Priority:       "high",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, s := range []*room.MemorySession{agentA, observer} {
		got := s.Events(dispatch.EventNewHandoff)
		require.Len(t, got, 1, "session %s", s.ID())
		payload := got[0].Payload.(dispatch.NewHandoff)
		assert.Equal(t, "C", payload.ConversationID)
		assert.Equal(t, "needs billing help", payload.Reason)
		assert.Equal(t, "high", payload.Priority)
		assert.False(t, payload.RequestedAt.IsZero())
	}
	assert.Empty(t, other.Events(dispatch.EventNewHandoff))
}

func TestRequestHandoff_ExcludesSender(t *testing.T) {
	h := newHarness(t)
	widget := room.NewMemorySession("widget")
	agent := room.NewMemorySession("agent")
	h.rooms.Join(widget, room.Tenant("T"))
	h.rooms.Join(agent, room.Tenant("T"))

	_, err := h.coord.RequestHandoff(context.Background(), Request{ConversationID: "C", TenantID: "T"}, "widget")
	require.NoError(t, err)
	assert.Empty(t, widget.Deliveries())
	require.Len(t, agent.Deliveries(), 1)
	assert.Equal(t, DefaultPriority, agent.Deliveries()[0].Payload.(dispatch.NewHandoff).Priority)
}

func TestRequestHandoff_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.RequestHandoff(ctx, Request{TenantID: "T"}, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.coord.RequestHandoff(ctx, Request{ConversationID: "C", TenantID: "T", Priority: "whenever"}, "")
	assert.ErrorIs(t, err, ErrInvalidPriority)

	s := room.NewMemorySession("s")
	h.rooms.Join(s, room.Tenant("T"))
	_, err = h.coord.RequestHandoff(ctx, Request{ConversationID: "C", TenantID: "T", Priority: " URGENT "}, "")
	require.NoError(t, err)
	assert.Equal(t, "urgent", s.Deliveries()[0].Payload.(dispatch.NewHandoff).Priority)
}

func TestWithDefaultPriority(t *testing.T) {
	h := newHarness(t, WithDefaultPriority("low"))
	s := room.NewMemorySession("s")
	h.rooms.Join(s, room.Tenant("T"))

	_, err := h.coord.RequestHandoff(context.Background(), Request{ConversationID: "C", TenantID: "T"}, "")
	require.NoError(t, err)
	assert.Equal(t, "low", s.Deliveries()[0].Payload.(dispatch.NewHandoff).Priority)
}

func TestQueueHandoff_OnlyWithoutOnlineAgents(t *testing.T) {
	h := newHarness(t, WithDefaultEstimatedWait("10 minutes"))
	ctx := context.Background()
	observer := room.NewMemorySession("observer")
	h.rooms.Join(observer, room.Tenant("T"))

	queued, err := h.coord.QueueHandoff(ctx, "C", "T", "")
	require.NoError(t, err)
	assert.True(t, queued)
	got := observer.Events(dispatch.EventHandoffQueued)
	require.Len(t, got, 1)
	assert.Equal(t, dispatch.HandoffQueued{ConversationID: "C", EstimatedWait: "10 minutes"}, got[0].Payload)

	h.presence.SetOnline(ctx, room.NewMemorySession("agent"), "A", "T")

	queued, err = h.coord.QueueHandoff(ctx, "C", "T", "2 minutes")
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Len(t, observer.Events(dispatch.EventHandoffQueued), 1)

	// An agent online in another tenant does not count
	queued, err = h.coord.QueueHandoff(ctx, "D", "U", "2 minutes")
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestRequestDirect_TargetsAgentRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	agentA := room.NewMemorySession("a")
	agentB := room.NewMemorySession("b")
	h.presence.SetOnline(ctx, agentA, "A", "T")
	h.presence.SetOnline(ctx, agentB, "B", "T")

	n, err := h.coord.RequestDirect(ctx, "C", "B", "speaks French")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, agentA.Events(dispatch.EventHandoffRequest))
	got := agentB.Events(dispatch.EventHandoffRequest)
	require.Len(t, got, 1)
	assert.Equal(t, "speaks French", got[0].Payload.(dispatch.HandoffRequest).Reason)
}

func TestAcceptHandoff_BroadcastsToConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "C", "T")

	widget := room.NewMemorySession("widget")
	h.rooms.Join(widget, room.Conversation("C"))

	conv, err := h.coord.AcceptHandoff(ctx, "C", "A")
	require.NoError(t, err)
	assert.Equal(t, "A", conv.AssignedAgent)

	got := widget.Events(dispatch.EventHandoffAccepted)
	require.Len(t, got, 1)
	accepted := got[0].Payload.(dispatch.HandoffAccepted)
	assert.Equal(t, "A", accepted.AgentID)
	assert.Equal(t, "T", accepted.TenantID)
	assert.Equal(t, string(store.StateAssigned), accepted.Status)
}

func TestAcceptHandoff_ConcurrentRaceHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "C", "T")

	watcher := room.NewMemorySession("watcher")
	h.rooms.Join(watcher, room.Conversation("C"))

	const agents = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range agents {
		wg.Go(func() {
			_, err := h.coord.AcceptHandoff(ctx, "C", fmt.Sprintf("agent-%d", i))
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, store.ErrAlreadyAssigned)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got := watcher.Events(dispatch.EventHandoffAccepted)
	require.Len(t, got, 1, "losers must not broadcast")

	conv, err := h.store.GetConversation(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, conv.AssignedAgent, got[0].Payload.(dispatch.HandoffAccepted).AgentID)
}

func TestAcceptHandoff_UnknownConversation(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.AcceptHandoff(context.Background(), "missing", "A")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRelayMessage_OrderAndExclusion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sender := room.NewMemorySession("sender")
	watcher := room.NewMemorySession("watcher")
	h.rooms.Join(sender, room.Conversation("C"))
	h.rooms.Join(watcher, room.Conversation("C"))

	for i := range 20 {
		msg := json.RawMessage(fmt.Sprintf(`{"conversationId":"C","content":"m%d"}`, i))
		_, err := h.coord.RelayMessage(ctx, "C", msg, "sender")
		require.NoError(t, err)
	}

	assert.Empty(t, sender.Deliveries())
	got := watcher.Events(dispatch.EventNewMessage)
	require.Len(t, got, 20)
	for i, d := range got {
		var body struct{ Content string }
		require.NoError(t, json.Unmarshal(d.Payload.(json.RawMessage), &body))
		assert.Equal(t, fmt.Sprintf("m%d", i), body.Content)
	}
}

func TestRelayMessage_DropsDuplicates(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)
	h := newHarness(t, WithMessageDedupe(cache))
	ctx := context.Background()

	watcher := room.NewMemorySession("watcher")
	h.rooms.Join(watcher, room.Conversation("C"))

	msg := json.RawMessage(`{"id":"m1","content":"hello"}`)
	_, err := h.coord.RelayMessage(ctx, "C", msg, "")
	require.NoError(t, err)
	_, err = h.coord.RelayMessage(ctx, "C", msg, "")
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	_, err = h.coord.RelayMessage(ctx, "C", json.RawMessage(`{"messageId":"m2"}`), "")
	require.NoError(t, err)
	_, err = h.coord.RelayMessage(ctx, "C", json.RawMessage(`"no id at all"`), "")
	require.NoError(t, err)
	_, err = h.coord.RelayMessage(ctx, "C", json.RawMessage(`"no id at all"`), "")
	require.NoError(t, err)

	assert.Len(t, watcher.Events(dispatch.EventNewMessage), 4)
}

func TestEscalate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "C", "T")

	observer := room.NewMemorySession("observer")
	h.rooms.Join(observer, room.Tenant("T"))

	conv, err := h.coord.Escalate(ctx, "C", "customer is upset")
	require.NoError(t, err)
	assert.Equal(t, store.StatusEscalated, conv.Status)

	got := observer.Events(dispatch.EventConversationEscalated)
	require.Len(t, got, 1)
	e := got[0].Payload.(dispatch.ConversationEscalated)
	assert.Equal(t, "urgent", e.Priority)
	assert.Equal(t, "customer is upset", e.Reason)

	// Escalation does not block a later accept
	_, err = h.coord.AcceptHandoff(ctx, "C", "A")
	require.NoError(t, err)
}

func TestEndConversation_IsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "C", "T")

	watcher := room.NewMemorySession("watcher")
	h.rooms.Join(watcher, room.Conversation("C"))
	h.rooms.Join(watcher, room.Tenant("T"))

	_, err := h.coord.EndConversation(ctx, "C")
	require.NoError(t, err)
	require.Len(t, watcher.Events(dispatch.EventConversationEnded), 1)
	watcher.Reset()

	_, err = h.coord.AcceptHandoff(ctx, "C", "A")
	assert.ErrorIs(t, err, ErrConversationEnded)
	_, err = h.coord.RelayMessage(ctx, "C", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, ErrConversationEnded)
	_, err = h.coord.RequestHandoff(ctx, Request{ConversationID: "C", TenantID: "T"}, "")
	assert.ErrorIs(t, err, ErrConversationEnded)
	_, err = h.coord.QueueHandoff(ctx, "C", "T", "")
	assert.ErrorIs(t, err, ErrConversationEnded)
	_, err = h.coord.Escalate(ctx, "C", "")
	assert.ErrorIs(t, err, ErrConversationEnded)
	_, err = h.coord.EndConversation(ctx, "C")
	assert.ErrorIs(t, err, ErrConversationEnded)

	assert.Empty(t, watcher.Deliveries(), "nothing is broadcast after the end")
}

func TestEndedInStoreIsLearned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "C", "T")

	// Ended by another gateway instance sharing the store
	_, err := h.store.End(ctx, "C")
	require.NoError(t, err)

	_, err = h.coord.AcceptHandoff(ctx, "C", "A")
	require.ErrorIs(t, err, ErrConversationEnded)

	watcher := room.NewMemorySession("watcher")
	h.rooms.Join(watcher, room.Conversation("C"))
	_, err = h.coord.RelayMessage(ctx, "C", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, ErrConversationEnded)
	assert.Empty(t, watcher.Deliveries())

	state, err := h.coord.State(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, store.StateEnded, state)
}

func TestOperationsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "C", "T")

	_, err := h.coord.AcceptHandoff(ctx, "C", "A")
	require.NoError(t, err)
	_, err = h.coord.AcceptHandoff(ctx, "C", "B")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "handoff.accept", spans[0].Name())
	assert.Empty(t, spans[0].Events())
	require.NotEmpty(t, spans[1].Events(), "rejected accept records the error")
	assert.True(t, errors.Is(err, store.ErrAlreadyAssigned))
}
