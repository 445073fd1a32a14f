package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Message roles on a gateway session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session's chat history. Content is either a JSON
// string or an array of content blocks, depending on the agent runtime.
type Message struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Text reduces the message content to plain text. A string is taken as-is.
// For block arrays, each block contributes its "text" field if that is a
// string, otherwise its "content" field, otherwise its JSON form.
func (m *Message) Text() string {
	return ExtractText(m.Content)
}

// Time parses the message timestamp. ok is false when the timestamp is
// missing or unparseable.
func (m *Message) Time() (time.Time, bool) {
	return ParseTimestamp(m.Timestamp)
}

// ExtractText implements the content reduction rule shared by the completion
// gate, the planning controller, and the monitor.
func ExtractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []map[string]any
	if err := json.Unmarshal(content, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if text, ok := blk["text"].(string); ok {
				b.WriteString(text)
				continue
			}
			if inner, ok := blk["content"].(string); ok {
				b.WriteString(inner)
				continue
			}
			raw, err := json.Marshal(blk)
			if err != nil {
				continue
			}
			b.Write(raw)
		}
		return b.String()
	}

	return string(content)
}

// ParseTimestamp parses an ISO-8601 timestamp or a millisecond epoch number.
func ParseTimestamp(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// AssistantCount counts assistant messages in a history.
func AssistantCount(msgs []Message) int {
	n := 0
	for i := range msgs {
		if msgs[i].Role == RoleAssistant {
			n++
		}
	}
	return n
}

// LatestAssistant returns the newest assistant message, nil when none exists.
func LatestAssistant(msgs []Message) *Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return &msgs[i]
		}
	}
	return nil
}
