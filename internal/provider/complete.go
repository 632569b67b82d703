package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// Stream plumbing shared by every adapter
// ---------------------------------------------------------------------------

// emitter owns the output channel of one Complete call. It guarantees the
// consumer sees exactly one Done chunk, whether the backend finished
// cleanly, failed half way through, or never said it was done.
type emitter struct {
	ctx   context.Context
	ch    chan Chunk
	model string
	done  bool
}

// send pushes a chunk, giving up if the consumer has gone away. It returns
// false once the stream should stop (ctx cancelled or already done).
func (e *emitter) send(c Chunk) bool {
	if e.done {
		return false
	}
	if c.Model == "" {
		c.Model = e.model
	}
	if c.Done {
		e.done = true
	}
	select {
	case e.ch <- c:
		return !c.Done
	case <-e.ctx.Done():
		e.done = true
		return false
	}
}

// content emits one text delta. Empty deltas are dropped.
func (e *emitter) content(s string) bool {
	if s == "" {
		return !e.done && e.ctx.Err() == nil
	}
	return e.send(Chunk{Content: s})
}

// finish emits the terminal chunk. Calling it twice is a no-op.
func (e *emitter) finish(c Chunk) {
	c.Done = true
	e.send(c)
}

// fail emits a terminal error chunk.
func (e *emitter) fail(err error) {
	e.finish(Chunk{Err: err})
}

// startStream runs fn on its own goroutine and returns the chunk channel.
// fn writes through the emitter; if it returns without finishing, an empty
// Done chunk is emitted for it. With req.Stream=false the chunks are
// reduced by Collect into a single aggregate chunk.
func startStream(ctx context.Context, req CompletionRequest, fn func(e *emitter)) <-chan Chunk {
	raw := make(chan Chunk)
	e := &emitter{ctx: ctx, ch: raw, model: req.Model}

	go func() {
		defer close(raw)
		defer func() {
			if r := recover(); r != nil {
				e.fail(fmt.Errorf("adapter panic: %v", r))
			}
			e.finish(Chunk{})
		}()
		fn(e)
	}()

	if req.Stream {
		return raw
	}

	// Buffered so the collector never blocks if the caller abandons us.
	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		out <- Collect(raw)
	}()
	return out
}

// Collect drains a chunk stream into one aggregate chunk: contents are
// concatenated, the last reported model and token count win, metadata is
// merged, and an error on the terminal chunk is carried over.
func Collect(ch <-chan Chunk) Chunk {
	var (
		sb  strings.Builder
		agg = Chunk{Done: true}
	)
	for c := range ch {
		sb.WriteString(c.Content)
		if c.Model != "" {
			agg.Model = c.Model
		}
		if c.TokensUsed > 0 {
			agg.TokensUsed = c.TokensUsed
		}
		for k, v := range c.Metadata {
			if agg.Metadata == nil {
				agg.Metadata = make(map[string]any, len(c.Metadata))
			}
			agg.Metadata[k] = v
		}
		if c.Err != nil {
			agg.Err = c.Err
		}
	}
	agg.Content = sb.String()
	return agg
}

// ---------------------------------------------------------------------------
// Wire helpers
// ---------------------------------------------------------------------------

// maxLineSize bounds one SSE / NDJSON line. Agent backends can put a whole
// JSON-Patch document on one line, well above bufio's 64KB default.
const maxLineSize = 1 << 20

// readLines calls fn for every non-blank line of r until fn returns false.
func readLines(r io.Reader, fn func(line []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	return scanner.Err()
}

// readSSE calls fn with the payload of every "data:" line. Comment lines
// (":") and "event:" lines are ignored, and a "[DONE]" payload ends the
// stream. The return value reports whether [DONE] was seen.
func readSSE(r io.Reader, fn func(data string) bool) (bool, error) {
	sawDone := false
	err := readLines(r, func(line []byte) bool {
		s := string(line)
		if !strings.HasPrefix(s, "data:") {
			return true
		}
		data := strings.TrimSpace(strings.TrimPrefix(s, "data:"))
		if data == "[DONE]" {
			sawDone = true
			return false
		}
		if data == "" {
			return true
		}
		return fn(data)
	})
	return sawDone, err
}

// statusError builds the error for a non-2xx backend response, keeping a
// short excerpt of the body for the logs.
func statusError(backend string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s returned status %d: %s",
		ErrUnreachable, backend, resp.StatusCode, strings.TrimSpace(string(body)))
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// healthOptions describes the static capabilities an adapter reports.
type healthOptions struct {
	name               string
	defaultModel       string
	supportsEmbeddings bool
}

// checkHealth is the shared Validate + ListModels reduction behind every
// adapter's HealthCheck.
func checkHealth(ctx context.Context, p Provider, opts healthOptions) (Health, error) {
	h := Health{
		Provider:           opts.name,
		SupportsStreaming:  true,
		SupportsEmbeddings: opts.supportsEmbeddings,
		DefaultModel:       opts.defaultModel,
	}

	if !p.Validate(ctx) {
		h.Status = StatusUnhealthy
		h.Error = "validation failed"
		return h, nil
	}

	models, err := p.ListModels(ctx)
	if err != nil {
		h.Status = StatusError
		h.Error = err.Error()
		return h, nil
	}

	h.Status = StatusHealthy
	h.Available = true
	h.ModelCount = len(models)
	return h, nil
}
