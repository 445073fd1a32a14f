package planning

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// Message is one entry of the persisted planning transcript. The transcript
// is stored on the task as an opaque JSON string and never leaves this
// package as untyped maps.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Transcript is the ordered planning conversation.
type Transcript []Message

func parseTranscript(raw string) Transcript {
	if raw == "" {
		return nil
	}
	var t Transcript
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil
	}
	return t
}

func (t Transcript) encode() string {
	if t == nil {
		t = Transcript{}
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (t Transcript) assistantCount() int {
	n := 0
	for _, m := range t {
		if m.Role == "assistant" {
			n++
		}
	}
	return n
}

func (t Transcript) append(role, content string) Transcript {
	return append(t, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Question is a clarifying question the planner asks the user.
type Question struct {
	Text    string   `json:"question"`
	Options []string `json:"options,omitempty"`
}

// Spec is the planner's finished output, kept opaque beyond a validity check.
type Spec struct {
	Raw string `json:"raw"`
}

// plannerReply is the JSON shape planner agents respond with.
type plannerReply struct {
	Question string          `json:"question"`
	Options  []string        `json:"options"`
	Complete bool            `json:"complete"`
	Spec     json.RawMessage `json:"spec"`
}

var plannerFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func extractObject(text string) (string, bool) {
	candidates := []string{strings.TrimSpace(text)}
	if m := plannerFence.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			candidates = append(candidates, text[start:end+1])
		}
	}
	for _, c := range candidates {
		if json.Valid([]byte(c)) && strings.HasPrefix(strings.TrimSpace(c), "{") {
			return c, true
		}
		if repaired, err := jsonrepair.JSONRepair(c); err == nil &&
			strings.HasPrefix(strings.TrimSpace(repaired), "{") && json.Valid([]byte(repaired)) {
			return repaired, true
		}
	}
	return "", false
}

// parseQuestion extracts a clarifying question from a planner reply.
func parseQuestion(text string) (*Question, bool) {
	obj, ok := extractObject(text)
	if !ok {
		return nil, false
	}
	var reply plannerReply
	if err := json.Unmarshal([]byte(obj), &reply); err != nil || reply.Question == "" {
		return nil, false
	}
	return &Question{Text: reply.Question, Options: reply.Options}, true
}

// parseSpec extracts a completed spec from a planner reply.
func parseSpec(text string) (*Spec, bool) {
	obj, ok := extractObject(text)
	if !ok {
		return nil, false
	}
	var reply plannerReply
	if err := json.Unmarshal([]byte(obj), &reply); err != nil || !reply.Complete || len(reply.Spec) == 0 {
		return nil, false
	}
	return &Spec{Raw: string(reply.Spec)}, true
}
