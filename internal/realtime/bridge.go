package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/howard-nolan/llmgateway/internal/chat"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// Defaults for BridgeConfig fields left at zero.
const (
	DefaultMaxConcurrentTurns = 32
	DefaultFinalFlushTimeout  = 5 * time.Second
)

// TurnStarter is the part of the orchestrator the bridge drives.
type TurnStarter interface {
	Start(ctx context.Context, req chat.TurnRequest) (*chat.Turn, error)
}

// BridgeConfig tunes a Bridge.
type BridgeConfig struct {
	MaxConcurrentTurns int64
	// FinalFlushTimeout bounds the wait for the persisted message once the
	// chunk stream has ended.
	FinalFlushTimeout time.Duration
}

// stopFlag is the abort signal for one running turn.
type stopFlag struct {
	ch     chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

func (f *stopFlag) set() {
	f.once.Do(func() {
		close(f.ch)
		f.cancel()
	})
}

func (f *stopFlag) isSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Bridge runs turns on a bounded pool and relays their output to the
// conversation's room.
type Bridge struct {
	hub   *Hub
	turns TurnStarter
	cfg   BridgeConfig
	pool  *semaphore.Weighted

	mu    sync.Mutex
	stops map[string]*stopFlag

	wg sync.WaitGroup
}

// NewBridge wires a hub to an orchestrator.
func NewBridge(hub *Hub, turns TurnStarter, cfg BridgeConfig) *Bridge {
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if cfg.FinalFlushTimeout <= 0 {
		cfg.FinalFlushTimeout = DefaultFinalFlushTimeout
	}
	return &Bridge{
		hub:   hub,
		turns: turns,
		cfg:   cfg,
		pool:  semaphore.NewWeighted(cfg.MaxConcurrentTurns),
		stops: make(map[string]*stopFlag),
	}
}

// Submit starts a turn and returns once it is running. It waits for a free
// worker slot while ctx allows. Errors found before dispatch are returned
// and also published to the room as an error event.
func (b *Bridge) Submit(ctx context.Context, req chat.TurnRequest) error {
	if err := b.pool.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for a turn slot: %w", err)
	}

	room := req.ConversationID
	b.hub.Publish(room, Event{Name: EventMessageReceived, Data: map[string]any{
		"conversation_id":     room,
		"message":             req.Message,
		"attachments":         req.Attachments,
		"referenced_conv_ids": req.ReferencedConvIDs,
		"referenced_msg_ids":  req.ReferencedMsgIDs,
	}})

	// The turn outlives the HTTP request that submitted it; only Stop
	// cancels it. The flag is visible to Stop while the turn prepares.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	flag := &stopFlag{ch: make(chan struct{}), cancel: cancel}

	b.mu.Lock()
	b.stops[room] = flag
	b.mu.Unlock()

	turn, err := b.turns.Start(turnCtx, req)
	if err != nil {
		cancel()
		b.clearStop(room, flag)
		b.pool.Release(1)
		if flag.isSet() && errors.Is(err, context.Canceled) {
			// Stopped before dispatch; generation_stopped already went out.
			return nil
		}
		b.publishError(room, err)
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.pool.Release(1)
		defer b.clearStop(room, flag)
		defer cancel()

		if req.Stream {
			b.relay(room, turn, flag)
		} else {
			b.respond(room, turn)
		}
	}()
	return nil
}

// Stop raises the abort flag for the conversation's running turn and
// acknowledges with generation_stopped. It reports whether a turn was
// running.
func (b *Bridge) Stop(conversationID string) bool {
	b.mu.Lock()
	flag, ok := b.stops[conversationID]
	b.mu.Unlock()

	if ok {
		flag.set()
	}
	b.hub.Publish(conversationID, Event{Name: EventGenerationStopped, Data: map[string]any{
		"conversation_id": conversationID,
	}})
	return ok
}

// Running reports whether a turn is in flight for the conversation.
func (b *Bridge) Running(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.stops[conversationID]
	return ok
}

// Wait blocks until every submitted turn has finished relaying.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) clearStop(room string, flag *stopFlag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stops[room] == flag {
		delete(b.stops, room)
	}
}

// relay forwards one streaming turn: stream_start, the chunks in order, and
// exactly one stream_end.
func (b *Bridge) relay(room string, turn *chat.Turn, flag *stopFlag) {
	b.hub.Publish(room, Event{Name: EventStreamStart, Data: map[string]any{"conversation_id": room}})

	var (
		buf     strings.Builder
		lastErr error
	)

forward:
	for {
		select {
		case <-flag.ch:
			break forward
		case ev, ok := <-turn.Events:
			if !ok {
				break forward
			}
			if flag.isSet() {
				break forward
			}
			buf.WriteString(ev.Content)

			data := map[string]any{
				"conversation_id": room,
				"content":         ev.Content,
				"done":            ev.Done,
			}
			if len(ev.FollowUps) > 0 {
				data["follow_ups"] = ev.FollowUps
			}
			b.hub.Publish(room, Event{Name: EventStreamChunk, Data: data})

			if ev.Err != nil {
				lastErr = ev.Err
			}
		}
	}

	res, ok := b.awaitResult(turn)
	if ok && res.Err != nil && lastErr == nil {
		lastErr = res.Err
	}
	if lastErr != nil {
		b.publishError(room, lastErr)
	}

	var message any
	switch {
	case ok && res.Message != nil:
		message = res.Message
	case buf.Len() > 0:
		slog.Warn("persisted message not available, sending fallback", "conversation", room)
		message = fallbackMessage(room, buf.String())
	}

	b.hub.Publish(room, Event{Name: EventStreamEnd, Data: map[string]any{
		"conversation_id": room,
		"message":         message,
	}})
}

// respond handles a non-streaming turn with a single message_response.
func (b *Bridge) respond(room string, turn *chat.Turn) {
	for range turn.Events {
	}
	res, ok := b.awaitResult(turn)
	if !ok {
		b.publishError(room, fmt.Errorf("%w: no result before timeout", provider.ErrUnreachable))
		return
	}
	if res.Err != nil {
		b.publishError(room, res.Err)
		if res.Message == nil {
			return
		}
	}
	b.hub.Publish(room, Event{Name: EventMessageResponse, Data: map[string]any{
		"conversation_id": room,
		"message":         res.Message,
	}})
}

func (b *Bridge) awaitResult(turn *chat.Turn) (chat.Result, bool) {
	timer := time.NewTimer(b.cfg.FinalFlushTimeout)
	defer timer.Stop()

	select {
	case res := <-turn.Result:
		return res, true
	case <-timer.C:
		return chat.Result{}, false
	}
}

func (b *Bridge) publishError(room string, err error) {
	b.hub.Publish(room, Event{Name: EventError, Data: map[string]any{
		"conversation_id": room,
		"message":         "Error processing message: " + err.Error(),
	}})
}

func fallbackMessage(room, content string) map[string]any {
	return map[string]any{
		"id":              "fallback-" + uuid.NewString(),
		"conversation_id": room,
		"role":            provider.RoleAssistant,
		"content":         content,
		"created_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
}
