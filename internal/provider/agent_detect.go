package provider

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
)

// Protocol is the wire protocol an agent model speaks.
type Protocol string

const (
	ProtocolOpenAI  Protocol = "openai"
	ProtocolGraph   Protocol = "graph"
	ProtocolUnknown Protocol = "unknown"
)

// protocolEntry is one cached detection result. Unprobed entries come from
// the discovery fallback and are re-detected on first use.
type protocolEntry struct {
	protocol Protocol
	probed   bool
}

// remember caches a protocol for id. A probed entry is final: later
// discoveries never overwrite it.
func (a *AgentProvider) remember(id string, p Protocol, probed bool) {
	next := protocolEntry{protocol: p, probed: probed}
	if cur, loaded := a.protocols.LoadOrStore(id, next); loaded {
		if cur.(protocolEntry).probed || !probed {
			return
		}
		a.protocols.CompareAndSwap(id, cur, next)
	}
}

// ProtocolOf returns the cached protocol for id, if any.
func (a *AgentProvider) ProtocolOf(id string) (Protocol, bool) {
	v, ok := a.protocols.Load(id)
	if !ok {
		return "", false
	}
	return v.(protocolEntry).protocol, true
}

// protocolFor returns the protocol to use for model, probing the service
// at most once per id. Concurrent callers for the same id share one probe.
func (a *AgentProvider) protocolFor(ctx context.Context, model string) Protocol {
	if v, ok := a.protocols.Load(model); ok && v.(protocolEntry).probed {
		return usable(v.(protocolEntry).protocol)
	}

	v, _, _ := a.detect.Do(model, func() (any, error) {
		if v, ok := a.protocols.Load(model); ok && v.(protocolEntry).probed {
			return v.(protocolEntry).protocol, nil
		}
		p := a.probe(ctx, model)
		a.remember(model, p, true)
		slog.Info("agent protocol detected", "model", model, "protocol", p)
		return p, nil
	})
	return usable(v.(Protocol))
}

// usable maps an undetermined protocol onto the graph protocol, which is
// what unknown agents are spoken to with.
func usable(p Protocol) Protocol {
	if p == ProtocolUnknown {
		return ProtocolGraph
	}
	return p
}

// probe checks /v1/models for the id, then the graph invoke route.
func (a *AgentProvider) probe(ctx context.Context, model string) Protocol {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.probeTimeout)
	defer cancel()

	if raw, ok := a.getJSON(ctx, a.baseURL+"/v1/models"); ok {
		found := false
		gjson.GetBytes(raw, "data.#.id").ForEach(func(_, id gjson.Result) bool {
			found = id.String() == model
			return !found
		})
		if found {
			return ProtocolOpenAI
		}
	}

	req, err := a.newRequest(ctx, http.MethodOptions, a.agentURL(model, "invoke"), nil)
	if err != nil {
		return ProtocolUnknown
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return ProtocolUnknown
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusMethodNotAllowed:
		return ProtocolGraph
	}
	return ProtocolUnknown
}
