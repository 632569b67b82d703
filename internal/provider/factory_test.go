package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		typ  string
		name string
	}{
		{"ollama", TypeOllama},
		{"HuggingFace", TypeHuggingFace},
		{"openai", TypeOpenAI},
		{"agent", TypeAgent},
		{"anthropic", TypeAnthropic},
		{"gemini", TypeGemini},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			p, err := New(Config{ID: "x", Type: tt.typ, Config: map[string]any{}}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.name, p.Name())
		})
	}

	_, err := New(Config{ID: "x", Type: "mystery"}, nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestSettings(t *testing.T) {
	s := settings{
		"api_key": " secret ",
		"blank":   "  ",
		"timeout": "1500ms",
		"seconds": 3,
		"models":  []any{"a", "b"},
		"csv":     "x, y,,z",
	}

	assert.Equal(t, "secret", s.str("api_key", ""))
	assert.Equal(t, "def", s.str("blank", "def"))
	assert.Equal(t, "def", s.str("missing", "def"))
	assert.Equal(t, 1500*time.Millisecond, s.duration("timeout", 0))
	assert.Equal(t, 3*time.Second, s.duration("seconds", 0))
	assert.Equal(t, time.Minute, s.duration("missing", time.Minute))
	assert.Equal(t, []string{"a", "b"}, s.strings("models"))
	assert.Equal(t, []string{"x", "y", "z"}, s.strings("csv"))

	assert.Equal(t, "m", DefaultModel(Config{Config: map[string]any{"default_model": "m"}}))
}
