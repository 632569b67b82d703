package sqlite

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// memoryScanLimit bounds how many of a user's facts Retrieve ranks.
const memoryScanLimit = 500

// stopwords are ignored when ranking facts against a query.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "your": true, "with": true, "this": true, "that": true, "what": true,
	"how": true, "can": true, "has": true, "have": true, "was": true, "were": true,
	"does": true, "from": true, "about": true, "who": true, "why": true, "when": true,
	"user": true, "please": true,
}

// Save implements chat.MemoryStore. A fact the user already has (ignoring
// case and surrounding space) is not stored twice.
func (s *Store) Save(ctx context.Context, userID, fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, content, memory_type, created_at)
		SELECT ?, ?, ?, 'fact', ?
		WHERE NOT EXISTS (
			SELECT 1 FROM memories WHERE user_id = ? AND lower(content) = lower(?)
		)`,
		uuid.NewString(), userID, fact, formatTime(s.now()), userID, fact,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save memory: %w", err)
	}
	return nil
}

// Retrieve implements chat.MemoryStore. Facts are ranked by how many
// distinct query keywords they share, newer first on ties; facts sharing
// none are left out.
func (s *Store) Retrieve(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	terms := keywords(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM memories WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, memoryScanLimit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer rows.Close()

	type scored struct {
		fact  string
		score int
		order int
	}
	var hits []scored
	for i := 0; rows.Next(); i++ {
		var fact string
		if err := rows.Scan(&fact); err != nil {
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
		}
		score := 0
		for w := range keywords(fact) {
			if terms[w] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{fact: fact, score: score, order: i})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(hits, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	out := make([]string, 0, min(limit, len(hits)))
	for _, h := range hits[:min(limit, len(hits))] {
		out = append(out, h.fact)
	}
	return out, nil
}

// keywords lowercases text and returns its distinct words of three or more
// letters or digits, minus stopwords.
func keywords(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 3 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}
