package tokens

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wordCounter = CounterFunc(func(text, _ string) int {
	return len(strings.Fields(text))
})

func TestCountMessages(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are helpful"},
		{Role: "user", Content: "Hi there", Name: "bob"},
	}

	// (3 + 1 + 3) + (3 + 1 + 2 + 1 + 1) + 3
	assert.Equal(t, 18, CountMessages(wordCounter, messages, "gpt-4"))
	assert.Equal(t, 3, CountMessages(wordCounter, nil, "gpt-4"))
}

func TestMessageUnmarshal(t *testing.T) {
	t.Run("StringContent", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello","name":"n"}`), &m))
		assert.Equal(t, Message{Role: "user", Content: "hello", Name: "n"}, m)
	})

	t.Run("PartsContent", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"b"}]}`), &m))
		assert.Equal(t, "a\nb", m.Content)
	})

	t.Run("NullContent", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &m))
		assert.Equal(t, "", m.Content)
	})

	t.Run("InvalidContent", func(t *testing.T) {
		var m Message
		assert.Error(t, json.Unmarshal([]byte(`{"role":"user","content":42}`), &m))
	})
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("abcd"))
	assert.Equal(t, 2, Estimate("abcde"))
	assert.Equal(t, 1, EstimateCounter{}.Count("héé", "any"))
}

func TestTiktoken(t *testing.T) {
	counter := NewTiktoken(nil)

	assert.Equal(t, 2, counter.Count("hello world", "gpt-3.5-turbo"))
	assert.Equal(t, 2, counter.Count("hello world", "gpt-35-turbo"))
	assert.Equal(t, 0, counter.Count("", "gpt-4"))

	// Unknown models fall back to the default encoding.
	assert.Equal(t, 2, counter.Count("hello world", "not-a-model"))
	assert.Equal(t, 2, counter.Count("hello world", "not-a-model"))
}

func TestNormalizeModel(t *testing.T) {
	assert.Equal(t, "gpt-3.5-turbo-0613", normalizeModel("gpt-35-turbo-0613"))
	assert.Equal(t, "gpt-4o", normalizeModel(" GPT-4o "))
}
