// Package tokens counts tokens the way the target service bills them.
package tokens

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"
)

// Counter tokenizes text for a model.
type Counter interface {
	Count(text, model string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(text, model string) int

// Count calls f.
func (f CounterFunc) Count(text, model string) int {
	return f(text, model)
}

// Per-message overheads of the chat format: every message is framed by
// three tokens, a name adds one, and every reply is primed with three.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	tokensReplyPrime = 3
)

// Message is a chat message. Content may be sent as a plain string or as
// an array of typed parts; text parts are joined.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UnmarshalJSON accepts both content encodings.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role, m.Name, m.Content = raw.Role, raw.Name, ""

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	if raw.Content[0] == '"' {
		return json.Unmarshal(raw.Content, &m.Content)
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return err
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" || p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	m.Content = strings.Join(texts, "\n")
	return nil
}

// CountMessages returns the prompt tokens for a chat request.
func CountMessages(c Counter, messages []Message, model string) int {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += c.Count(m.Role, model)
		total += c.Count(m.Content, model)
		if m.Name != "" {
			total += c.Count(m.Name, model) + tokensPerName
		}
	}
	return total + tokensReplyPrime
}

// Estimate is the rough billing heuristic of four characters per token.
func Estimate(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

// EstimateCounter counts with Estimate. It serves as a fallback when no
// encoding can be loaded.
type EstimateCounter struct{}

// Count implements Counter.
func (EstimateCounter) Count(text, _ string) int {
	return Estimate(text)
}
