package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Actions the orchestrator agent may return. Fallback is synthesized locally
// on timeout or unparseable replies; each phase router maps it to its safe
// default.
const (
	ActionDispatchToProgrammer = "dispatch_to_programmer"
	ActionNeedsMorePlanning    = "needs_more_planning"
	ActionSendToTesting        = "send_to_testing"
	ActionSendToReview         = "send_to_review"
	ActionSendToProgrammer     = "send_to_programmer"
	ActionFallback             = "fallback"
)

// Decision is the orchestrator agent's routing verdict.
type Decision struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
	Feedback  string `json:"feedback,omitempty"`
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseDecision extracts a Decision from an assistant reply. Accepts a raw
// JSON object, a fenced code block, or the first {...} substring; as a last
// resort the candidate is run through jsonrepair to fix trailing commas,
// single quotes and the like.
func parseDecision(text string) (*Decision, error) {
	candidates := []string{strings.TrimSpace(text)}

	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			candidates = append(candidates, text[start:end+1])
		}
	}

	for _, c := range candidates {
		var d Decision
		if err := json.Unmarshal([]byte(c), &d); err == nil && d.Action != "" {
			return &d, nil
		}
		if repaired, err := jsonrepair.JSONRepair(c); err == nil {
			if err := json.Unmarshal([]byte(repaired), &d); err == nil && d.Action != "" {
				return &d, nil
			}
		}
	}
	return nil, fmt.Errorf("no decision object found in reply")
}
