package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/chat"
)

// fakeTurns hands out turns driven by a per-test producer function.
type fakeTurns struct {
	produce func(ctx context.Context, events chan<- chat.Event, results chan<- chat.Result)
	err     error
	// prepare, when set, runs before the turn is handed out.
	prepare func(ctx context.Context) error

	mu      sync.Mutex
	started int
}

func (f *fakeTurns) Start(ctx context.Context, req chat.TurnRequest) (*chat.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.prepare != nil {
		if err := f.prepare(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.started++
	f.mu.Unlock()

	events := make(chan chat.Event, 1)
	results := make(chan chat.Result, 1)
	go f.produce(ctx, events, results)
	return &chat.Turn{ConversationID: req.ConversationID, Events: events, Result: results}, nil
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// until reads events up to and including the first one named name.
func until(t *testing.T, sub *Subscription, name string) []Event {
	t.Helper()
	var seen []Event
	for {
		ev := next(t, sub)
		seen = append(seen, ev)
		if ev.Name == name {
			return seen
		}
	}
}

func names(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Name
	}
	return out
}

func TestBridge_StreamsInOrder(t *testing.T) {
	msg := &chat.Message{ID: "m9", Role: "assistant", Content: "Hello"}
	turns := &fakeTurns{produce: func(_ context.Context, events chan<- chat.Event, results chan<- chat.Result) {
		events <- chat.Event{Content: "Hel"}
		events <- chat.Event{Content: "lo"}
		events <- chat.Event{Done: true, FollowUps: []string{"More?"}}
		close(events)
		results <- chat.Result{Message: msg}
	}}
	hub := NewHub(0)
	b := NewBridge(hub, turns, BridgeConfig{})
	sub := hub.Subscribe("c1")

	require.NoError(t, b.Submit(context.Background(), chat.TurnRequest{ConversationID: "c1", Message: "hi", Stream: true}))

	evs := until(t, sub, EventStreamEnd)
	assert.Equal(t, []string{
		EventMessageReceived, EventStreamStart,
		EventStreamChunk, EventStreamChunk, EventStreamChunk,
		EventStreamEnd,
	}, names(evs))

	assert.Equal(t, "Hel", evs[2].Data["content"])
	assert.Equal(t, true, evs[4].Data["done"])
	assert.Equal(t, []string{"More?"}, evs[4].Data["follow_ups"])
	assert.Same(t, msg, evs[5].Data["message"])

	b.Wait()
	assert.False(t, b.Running("c1"))
}

func TestBridge_StopEndsStreamWithoutFurtherChunks(t *testing.T) {
	turns := &fakeTurns{produce: func(ctx context.Context, events chan<- chat.Event, results chan<- chat.Result) {
		defer close(events)
		events <- chat.Event{Content: "first"}
		<-ctx.Done()
		// A late chunk racing the stop must not reach the room.
		select {
		case events <- chat.Event{Content: "late"}:
		case <-time.After(50 * time.Millisecond):
		}
		results <- chat.Result{Stopped: true, Message: &chat.Message{ID: "m1", Content: "first"}}
	}}
	hub := NewHub(0)
	b := NewBridge(hub, turns, BridgeConfig{})
	sub := hub.Subscribe("c1")

	require.NoError(t, b.Submit(context.Background(), chat.TurnRequest{ConversationID: "c1", Message: "go", Stream: true}))
	until(t, sub, EventStreamChunk)

	assert.True(t, b.Running("c1"))
	assert.True(t, b.Stop("c1"))

	evs := until(t, sub, EventStreamEnd)
	for _, ev := range evs {
		assert.NotEqual(t, EventStreamChunk, ev.Name, "chunk published after stop")
	}
	assert.Contains(t, names(evs), EventGenerationStopped)

	end := evs[len(evs)-1]
	assert.Equal(t, "m1", end.Data["message"].(*chat.Message).ID)

	b.Wait()
	assert.False(t, b.Running("c1"))
	assert.False(t, b.Stop("c1"))
}

func TestBridge_FallbackMessage(t *testing.T) {
	turns := &fakeTurns{produce: func(_ context.Context, events chan<- chat.Event, _ chan<- chat.Result) {
		events <- chat.Event{Content: "orphan"}
		close(events)
		// Result never arrives.
	}}
	hub := NewHub(0)
	b := NewBridge(hub, turns, BridgeConfig{FinalFlushTimeout: 20 * time.Millisecond})
	sub := hub.Subscribe("c1")

	require.NoError(t, b.Submit(context.Background(), chat.TurnRequest{ConversationID: "c1", Message: "x", Stream: true}))

	evs := until(t, sub, EventStreamEnd)
	msg := evs[len(evs)-1].Data["message"].(map[string]any)
	assert.True(t, strings.HasPrefix(msg["id"].(string), "fallback-"))
	assert.Equal(t, "orphan", msg["content"])
}

func TestBridge_ErrorThenStreamEnd(t *testing.T) {
	turns := &fakeTurns{produce: func(_ context.Context, events chan<- chat.Event, results chan<- chat.Result) {
		err := errors.New("backend down")
		events <- chat.Event{Done: true, Err: err}
		close(events)
		results <- chat.Result{Err: err}
	}}
	hub := NewHub(0)
	b := NewBridge(hub, turns, BridgeConfig{})
	sub := hub.Subscribe("c1")

	require.NoError(t, b.Submit(context.Background(), chat.TurnRequest{ConversationID: "c1", Message: "x", Stream: true}))

	evs := until(t, sub, EventStreamEnd)
	got := names(evs)
	assert.Equal(t, []string{EventMessageReceived, EventStreamStart, EventStreamChunk, EventError, EventStreamEnd}, got)
	assert.Contains(t, evs[3].Data["message"], "backend down")
	assert.Nil(t, evs[4].Data["message"])
}

func TestBridge_StartErrorReleasesSlot(t *testing.T) {
	turns := &fakeTurns{err: chat.ErrConversationNotFound}
	hub := NewHub(0)
	b := NewBridge(hub, turns, BridgeConfig{MaxConcurrentTurns: 1})
	sub := hub.Subscribe("c1")

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := b.Submit(ctx, chat.TurnRequest{ConversationID: "c1", Message: "x", Stream: true})
		cancel()
		assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	}

	evs := until(t, sub, EventError)
	assert.Equal(t, []string{EventMessageReceived, EventError}, names(evs))
	assert.False(t, b.Running("c1"))
}

func TestBridge_StopDuringPrepare(t *testing.T) {
	preparing := make(chan struct{})
	turns := &fakeTurns{
		prepare: func(ctx context.Context) error {
			close(preparing)
			<-ctx.Done()
			return ctx.Err()
		},
		produce: func(_ context.Context, events chan<- chat.Event, _ chan<- chat.Result) {
			events <- chat.Event{Content: "never"}
			close(events)
		},
	}
	hub := NewHub(0)
	b := NewBridge(hub, turns, BridgeConfig{MaxConcurrentTurns: 1})
	sub := hub.Subscribe("c1")

	submitted := make(chan error, 1)
	go func() {
		submitted <- b.Submit(context.Background(), chat.TurnRequest{ConversationID: "c1", Message: "go", Stream: true})
	}()

	select {
	case <-preparing:
	case <-time.After(3 * time.Second):
		t.Fatal("turn never started preparing")
	}
	assert.True(t, b.Running("c1"))
	assert.True(t, b.Stop("c1"))

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("submit did not return after stop")
	}

	evs := until(t, sub, EventGenerationStopped)
	assert.Equal(t, []string{EventMessageReceived, EventGenerationStopped}, names(evs))
	assert.False(t, b.Running("c1"))

	turns.mu.Lock()
	assert.Zero(t, turns.started)
	turns.mu.Unlock()

	// The slot was released.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.pool.Acquire(ctx, 1))
	b.pool.Release(1)
}

func TestBridge_NonStreaming(t *testing.T) {
	turns := &fakeTurns{produce: func(_ context.Context, events chan<- chat.Event, results chan<- chat.Result) {
		events <- chat.Event{Content: "all at once", Done: true}
		close(events)
		results <- chat.Result{Message: &chat.Message{ID: "m2", Content: "all at once"}}
	}}
	hub := NewHub(0)
	b := NewBridge(hub, turns, BridgeConfig{})
	sub := hub.Subscribe("c1")

	require.NoError(t, b.Submit(context.Background(), chat.TurnRequest{ConversationID: "c1", Message: "x"}))

	evs := until(t, sub, EventMessageResponse)
	assert.Equal(t, []string{EventMessageReceived, EventMessageResponse}, names(evs))
}

func TestHub_SlowSubscriberDisconnected(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Subscribe("room")
	fast := hub.Subscribe("room")
	other := hub.Subscribe("elsewhere")

	hub.Publish("room", Event{Name: "one"})
	assert.Equal(t, "one", (<-fast.C).Name)
	hub.Publish("room", Event{Name: "two"})

	// slow never read: it keeps "one" and is then closed.
	assert.Equal(t, "one", (<-slow.C).Name)
	_, open := <-slow.C
	assert.False(t, open)

	assert.Equal(t, "two", (<-fast.C).Name)
	assert.Equal(t, 1, hub.Subscribers("room"))
	assert.Empty(t, other.C)

	hub.Unsubscribe(fast)
	hub.Unsubscribe(fast)
	assert.Zero(t, hub.Subscribers("room"))
}
