package lifecycle

import "regexp"

// markerPattern matches the completion sentinel an agent puts in its final
// reply: TASK_COMPLETE, optionally followed by dispatch_id=<id>, then a
// separator or end of text.
var markerPattern = regexp.MustCompile(`(?i)TASK_COMPLETE(?:\s+dispatch_id=([A-Za-z0-9-]+))?(?:\s*[:\-]|\s|$)`)

var (
	completionWords = regexp.MustCompile(`(?i)\b(done|completed|complete|implemented|finished)\b`)
	evidenceWords   = regexp.MustCompile(`(?i)\b(test\w*|implement\w*|creat\w*|fix\w*|add\w*|updat\w*|chang\w*|build\w*|wrote|written)\b`)
)

// Marker is the result of scanning a reply for the completion sentinel.
type Marker struct {
	Present    bool
	DispatchID string
}

// DetectMarker scans a plain-text reply for the completion sentinel and the
// dispatch id it may carry.
func DetectMarker(text string) Marker {
	m := markerPattern.FindStringSubmatch(text)
	if m == nil {
		return Marker{}
	}
	return Marker{Present: true, DispatchID: m[1]}
}

// PlausibleCompletion reports whether a reply looks like a completion claim:
// either the sentinel or a completion word. Replies failing this are ignored
// silently by the monitor instead of producing a gate-rejection entry.
func PlausibleCompletion(text string) bool {
	if DetectMarker(text).Present {
		return true
	}
	return completionWords.MatchString(text)
}

// SubstantiveCompletion reports whether a reply both claims completion and
// describes work, with enough length to be a real summary. Used only to
// decide logging during completion sweeps, not by the gate itself.
func SubstantiveCompletion(text string) bool {
	return len(text) >= 120 &&
		completionWords.MatchString(text) &&
		evidenceWords.MatchString(text)
}
