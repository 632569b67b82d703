package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

const (
	maxFollowUps     = 5
	followUpTurns    = 4
	followUpMaxToken = 256
	noFacts          = "NONE"
)

const followUpInstruction = `Based on the conversation above, suggest up to 5 short follow-up questions the user might ask next.
Write one question per line. Do not add any introduction, numbering is optional.`

const extractionInstruction = `Read the exchange below. List any durable facts about the user worth remembering in future conversations (name, preferences, projects, background).
Write one fact per line as a short sentence about the user. If there is nothing worth remembering, answer exactly NONE.`

// enumerationRe matches list markers such as "1.", "2)", "-", "*" or "•".
var enumerationRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)

// followUps runs the small suggestion completion. Any failure returns nil.
func (o *Orchestrator) followUps(ctx context.Context, p *prepared, reply string) []string {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.FollowUpTimeout)
	defer cancel()

	recent := p.history
	if len(recent) > followUpTurns {
		recent = recent[len(recent)-followUpTurns:]
	}
	msgs := toProviderMessages(recent)
	msgs = append(msgs,
		provider.Message{Role: provider.RoleAssistant, Content: reply},
		provider.Message{Role: provider.RoleUser, Content: followUpInstruction},
	)

	out := provider.Collect(p.adapter.Complete(ctx, provider.CompletionRequest{
		Model:       p.conv.Model,
		Messages:    msgs,
		Temperature: DefaultTemperature,
		MaxTokens:   followUpMaxToken,
	}))
	if out.Err != nil {
		slog.Debug("follow-up generation failed", "conversation", p.conv.ID, "error", out.Err)
		return nil
	}
	return parseLines(out.Content, maxFollowUps)
}

// parseLines splits a model's list answer into clean single lines, dropping
// enumeration markers and blanks. limit <= 0 means no limit.
func parseLines(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(enumerationRe.ReplaceAllString(line, ""))
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		out = append(out, line)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// extractFacts asks the model for durable user facts in the background and
// saves each one. It is detached from the turn; failures are only logged.
func (o *Orchestrator) extractFacts(p *prepared, reply string) {
	if o.memory == nil || !o.cfg.MemoryExtraction {
		return
	}

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("fact extraction panicked", "conversation", p.conv.ID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ExtractionTimeout)
		defer cancel()

		exchange := "User: " + p.userText + "\n\nAssistant: " + reply
		out := provider.Collect(p.adapter.Complete(ctx, provider.CompletionRequest{
			Model: p.conv.Model,
			Messages: []provider.Message{
				{Role: provider.RoleSystem, Content: extractionInstruction},
				{Role: provider.RoleUser, Content: exchange},
			},
			Temperature: 0,
			MaxTokens:   followUpMaxToken,
		}))
		if out.Err != nil {
			slog.Warn("fact extraction failed", "conversation", p.conv.ID, "error", out.Err)
			return
		}

		answer := strings.TrimSpace(out.Content)
		if answer == "" || strings.EqualFold(strings.Trim(answer, ". "), noFacts) {
			return
		}

		for _, fact := range parseLines(answer, 0) {
			if strings.EqualFold(fact, noFacts) {
				continue
			}
			if err := o.memory.Save(ctx, p.conv.UserID, fact); err != nil {
				slog.Warn("saving memory failed", "user", p.conv.UserID, "error", err)
			}
		}
	}()
}
