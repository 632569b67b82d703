package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// Defaults for Config fields left at zero.
const (
	DefaultHistoryLimit      = 50
	DefaultMemoryLimit       = 5
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 2048
	DefaultFollowUpTimeout   = 20 * time.Second
	DefaultExtractionTimeout = 60 * time.Second

	maxAttachmentExcerpt = 12000
)

// Config tunes the orchestrator.
type Config struct {
	HistoryLimit      int
	MemoryLimit       int
	FollowUps         bool
	MemoryExtraction  bool
	FollowUpTimeout   time.Duration
	ExtractionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.FollowUpTimeout <= 0 {
		c.FollowUpTimeout = DefaultFollowUpTimeout
	}
	if c.ExtractionTimeout <= 0 {
		c.ExtractionTimeout = DefaultExtractionTimeout
	}
}

// Orchestrator runs turns against the registry's providers.
type Orchestrator struct {
	store      ConversationStore
	providers  Providers
	memory     MemoryStore
	references ReferenceResolver
	cfg        Config

	background sync.WaitGroup
}

// Option wires an optional collaborator.
type Option func(*Orchestrator)

// WithMemory enables memory retrieval and fact extraction.
func WithMemory(m MemoryStore) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithReferences enables cross-conversation references.
func WithReferences(r ReferenceResolver) Option {
	return func(o *Orchestrator) { o.references = r }
}

// New builds an Orchestrator.
func New(store ConversationStore, providers Providers, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{store: store, providers: providers, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until background fact extraction has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// prepared is everything PREPARE hands to the streaming phase.
type prepared struct {
	conv       *Conversation
	adapter    provider.Provider
	providerID string
	userText   string
	history    []Message
	request    provider.CompletionRequest
}

// Start prepares the turn and launches it. Errors found before dispatch
// (unknown conversation, unknown provider, empty message) are returned
// here; anything after dispatch arrives on the Turn's channels.
//
// Cancelling ctx stops the turn: the partial reply is persisted and the
// Result is marked Stopped.
func (o *Orchestrator) Start(ctx context.Context, req TurnRequest) (*Turn, error) {
	p, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 1)
	results := make(chan Result, 1)

	go o.run(ctx, p, events, results)

	return &Turn{
		ConversationID: p.conv.ID,
		Provider:       p.providerID,
		Model:          p.conv.Model,
		Events:         events,
		Result:         results,
	}, nil
}

// Run is Start for callers that want the whole reply at once. It drains
// the events and returns the result.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (Result, error) {
	turn, err := o.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	for range turn.Events {
	}
	return <-turn.Result, nil
}

// ---------------------------------------------------------------------------
// PREPARE
// ---------------------------------------------------------------------------

func (o *Orchestrator) prepare(ctx context.Context, req TurnRequest) (*prepared, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" && len(req.Attachments) == 0 && !req.Regenerate {
		return nil, ErrEmptyMessage
	}
	if text == "" && len(req.Attachments) > 0 {
		text = DefaultAttachmentPrompt
	}

	conv, err := o.store.GetConversation(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}

	entry, err := o.providers.Get(conv.Provider)
	if err != nil {
		return nil, err
	}

	var history []Message
	if req.Regenerate {
		history, text, err = o.rewind(ctx, conv)
		if err != nil {
			return nil, err
		}
	} else {
		meta := map[string]any{}
		if len(req.ReferencedConvIDs) > 0 {
			meta["referenced_conv_ids"] = req.ReferencedConvIDs
		}
		if len(req.ReferencedMsgIDs) > 0 {
			meta["referenced_msg_ids"] = req.ReferencedMsgIDs
		}
		if _, err := o.store.SaveMessage(ctx, Message{
			ConversationID: conv.ID,
			UserID:         req.UserID,
			Role:           provider.RoleUser,
			Content:        text,
			Attachments:    req.Attachments,
			Metadata:       meta,
		}); err != nil {
			return nil, fmt.Errorf("saving user message: %w", err)
		}

		history, err = o.store.ListMessages(ctx, conv.ID, o.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
	}

	enriched := o.enrich(ctx, text, req)
	facts := o.recall(ctx, req.UserID, text)

	return &prepared{
		conv:       conv,
		adapter:    entry.Provider,
		providerID: conv.Provider,
		userText:   text,
		history:    history,
		request: provider.CompletionRequest{
			Model:       conv.Model,
			Messages:    buildMessages(conv.SystemPrompt, facts, history, enriched),
			Stream:      req.Stream,
			Temperature: temperature(conv.Settings),
			MaxTokens:   maxTokens(conv.Settings),
		},
	}, nil
}

// rewind drops a trailing assistant reply and returns the history ending
// at the last user message, plus that message's text.
func (o *Orchestrator) rewind(ctx context.Context, conv *Conversation) ([]Message, string, error) {
	history, err := o.store.ListMessages(ctx, conv.ID, o.cfg.HistoryLimit)
	if err != nil {
		return nil, "", fmt.Errorf("loading history: %w", err)
	}

	if n := len(history); n > 0 && history[n-1].Role == provider.RoleAssistant {
		if err := o.store.DeleteMessage(ctx, history[n-1].ID); err != nil {
			return nil, "", fmt.Errorf("deleting previous reply: %w", err)
		}
		history = history[:n-1]
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == provider.RoleUser {
			return history[:i+1], history[i].Content, nil
		}
	}
	return nil, "", ErrNothingToRegenerate
}

// enrich asks the reference resolver for the context-enriched variant of
// the user's message. Any failure falls back to the plain text.
func (o *Orchestrator) enrich(ctx context.Context, text string, req TurnRequest) string {
	if o.references == nil || (len(req.ReferencedConvIDs) == 0 && len(req.ReferencedMsgIDs) == 0) {
		return text
	}
	out, err := o.references.BuildContext(ctx, text, req.ReferencedConvIDs, req.ReferencedMsgIDs, req.UserID)
	if err != nil {
		slog.Warn("building reference context failed", "conversation", req.ConversationID, "error", err)
		return text
	}
	return out
}

// recall fetches memory facts relevant to text.
func (o *Orchestrator) recall(ctx context.Context, userID, text string) []string {
	if o.memory == nil {
		return nil
	}
	facts, err := o.memory.Retrieve(ctx, userID, text, o.cfg.MemoryLimit)
	if err != nil {
		slog.Warn("memory retrieval failed", "user", userID, "error", err)
		return nil
	}
	return facts
}

// buildMessages lays out the prompt: system prompt, recalled facts, then the
// history. The last user message is swapped for its enriched variant and
// any message carrying attachments gets their excerpts ahead of its text.
func buildMessages(systemPrompt string, facts []string, history []Message, enriched string) []provider.Message {
	var out []provider.Message

	if systemPrompt != "" {
		out = append(out, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	}
	if len(facts) > 0 {
		var b strings.Builder
		b.WriteString("Relevant information you remember about the user:")
		for _, f := range facts {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
		out = append(out, provider.Message{Role: provider.RoleSystem, Content: b.String()})
	}

	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == provider.RoleUser {
			lastUser = i
			break
		}
	}

	for i, m := range history {
		content := m.Content
		if i == lastUser && enriched != "" {
			content = enriched
		}
		if len(m.Attachments) > 0 {
			content = attachmentExcerpts(m.Attachments) + content
		}
		out = append(out, provider.Message{Role: m.Role, Content: content})
	}
	return out
}

func attachmentExcerpts(atts []Attachment) string {
	var b strings.Builder
	for _, a := range atts {
		text := a.Content
		if r := []rune(text); len(r) > maxAttachmentExcerpt {
			text = string(r[:maxAttachmentExcerpt]) + "\n[...truncated]"
		}
		fmt.Fprintf(&b, "--- Attached file: %s ---\n%s\n--- End of file: %s ---\n\n", a.Filename, text, a.Filename)
	}
	return b.String()
}

func temperature(s Settings) float64 {
	if s.Temperature != nil {
		return *s.Temperature
	}
	return DefaultTemperature
}

func maxTokens(s Settings) int {
	if s.MaxTokens > 0 {
		return s.MaxTokens
	}
	return DefaultMaxTokens
}

// ---------------------------------------------------------------------------
// DISPATCH → STREAM → PERSIST → FOLLOWUP
// ---------------------------------------------------------------------------

// run owns the turn after Start returns. It closes events and sends one
// Result, whatever happens.
func (o *Orchestrator) run(ctx context.Context, p *prepared, events chan<- Event, results chan<- Result) {
	started := time.Now()
	var res Result

	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn panicked", "conversation", p.conv.ID, "panic", r)
			res = Result{Err: fmt.Errorf("turn panic: %v", r)}
		}
		close(events)
		results <- res
	}()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	chunks := p.adapter.Complete(ctx, p.request)

	var (
		buf    strings.Builder
		tokens int
		model  = p.conv.Model
	)

	forward := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// persistCtx outlives a stop so the partial reply still gets written.
	persistCtx := context.WithoutCancel(ctx)

	for {
		var (
			c  provider.Chunk
			ok bool
		)
		select {
		case c, ok = <-chunks:
		case <-ctx.Done():
			ok = false
		}

		if !ok {
			if ctx.Err() != nil {
				res = o.finishStopped(persistCtx, p, buf.String(), tokens, model)
				o.observe(p, outcomeStopped, started, tokens)
				return
			}
			// Stream ended without a done chunk. Flush whatever arrived.
			res = o.finishOK(persistCtx, p, buf.String(), tokens, model, forward)
			o.observe(p, outcomeOK, started, tokens)
			return
		}

		buf.WriteString(c.Content)
		if c.TokensUsed > 0 {
			tokens = c.TokensUsed
		}
		if c.Model != "" {
			model = c.Model
		}

		if c.Err != nil {
			slog.Warn("provider stream failed", "conversation", p.conv.ID, "provider", p.providerID, "error", c.Err)
			res = o.finishError(persistCtx, p, buf.String(), tokens, model, c, forward)
			o.observe(p, outcomeError, started, tokens)
			return
		}

		if c.Done {
			// Content on the done chunk rides along with the terminal event.
			res = o.finishOKWith(persistCtx, p, buf.String(), tokens, model, c.Content, true, forward)
			o.observe(p, outcomeOK, started, tokens)
			return
		}

		if c.Content == "" {
			continue
		}
		if !forward(Event{Content: c.Content}) {
			res = o.finishStopped(persistCtx, p, buf.String(), tokens, model)
			o.observe(p, outcomeStopped, started, tokens)
			return
		}
	}
}

// finishOK flushes a stream that closed without a done chunk. Nothing is
// persisted unless some content arrived.
func (o *Orchestrator) finishOK(ctx context.Context, p *prepared, text string, tokens int, model string, forward func(Event) bool) Result {
	return o.finishOKWith(ctx, p, text, tokens, model, "", text != "", forward)
}

// finishOKWith completes a turn. A done chunk always persists, even when
// the reply is empty.
func (o *Orchestrator) finishOKWith(ctx context.Context, p *prepared, text string, tokens int, model, tail string, save bool, forward func(Event) bool) Result {
	var followUps []string
	if text != "" && o.cfg.FollowUps {
		followUps = o.followUps(ctx, p, text)
	}

	res := Result{}
	if save {
		meta := map[string]any{"provider": p.providerID, "model": model}
		if len(followUps) > 0 {
			meta["follow_ups"] = followUps
		}
		msg, err := o.persist(ctx, p, text, tokens, meta)
		if err != nil {
			res.Err = err
		} else {
			res.Message = msg
			o.extractFacts(p, text)
		}
	}

	forward(Event{Content: tail, Done: true, FollowUps: followUps, Err: res.Err})
	return res
}

func (o *Orchestrator) finishError(ctx context.Context, p *prepared, text string, tokens int, model string, c provider.Chunk, forward func(Event) bool) Result {
	res := Result{Err: c.Err}
	if text != "" {
		meta := map[string]any{"provider": p.providerID, "model": model, "error": c.Err.Error()}
		if msg, err := o.persist(ctx, p, text, tokens, meta); err == nil {
			res.Message = msg
		}
	}
	forward(Event{Content: c.Content, Done: true, Err: c.Err})
	return res
}

func (o *Orchestrator) finishStopped(ctx context.Context, p *prepared, text string, tokens int, model string) Result {
	res := Result{Stopped: true}
	if text != "" {
		meta := map[string]any{"provider": p.providerID, "model": model, "stopped": true}
		msg, err := o.persist(ctx, p, text, tokens, meta)
		res.Message, res.Err = msg, err
	}
	return res
}

// persist writes the assistant reply. Callers reach it at most once per turn.
func (o *Orchestrator) persist(ctx context.Context, p *prepared, text string, tokens int, meta map[string]any) (*Message, error) {
	msg, err := o.store.SaveMessage(ctx, Message{
		ConversationID: p.conv.ID,
		UserID:         p.conv.UserID,
		Role:           provider.RoleAssistant,
		Content:        text,
		TokensUsed:     tokens,
		Metadata:       meta,
	})
	if err != nil {
		slog.Error("saving assistant message failed", "conversation", p.conv.ID, "error", err)
		return nil, fmt.Errorf("saving assistant message: %w", err)
	}
	return &msg, nil
}

func (o *Orchestrator) observe(p *prepared, outcome string, started time.Time, tokens int) {
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	metrics.ProviderRequestsTotal.WithLabelValues(p.providerID, p.conv.Model, outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(p.providerID, p.conv.Model).Observe(time.Since(started).Seconds())
	if tokens > 0 {
		metrics.ProviderTokensTotal.WithLabelValues(p.providerID, p.conv.Model).Add(float64(tokens))
	}
}

// IsUpstreamError reports whether err came from the provider rather than
// from the gateway's own collaborators.
func IsUpstreamError(err error) bool {
	return errors.Is(err, provider.ErrUnreachable) ||
		errors.Is(err, provider.ErrProtocolMismatch) ||
		errors.Is(err, provider.ErrNotConfigured)
}
