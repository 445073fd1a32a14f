package planning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuestion(t *testing.T) {
	q, ok := parseQuestion(`{"question": "Which DB?", "options": ["sqlite", "postgres"]}`)
	require.True(t, ok)
	assert.Equal(t, "Which DB?", q.Text)
	assert.Equal(t, []string{"sqlite", "postgres"}, q.Options)

	q, ok = parseQuestion("Before I start:\n```json\n{\"question\": \"Scope?\"}\n```")
	require.True(t, ok)
	assert.Equal(t, "Scope?", q.Text)
	assert.Empty(t, q.Options)

	_, ok = parseQuestion("What storage should we use?")
	assert.False(t, ok)

	_, ok = parseQuestion(`{"complete": true, "spec": {}}`)
	assert.False(t, ok)
}

func TestParseSpec(t *testing.T) {
	s, ok := parseSpec(`{"complete": true, "spec": {"scope": "parser", "tests": true}}`)
	require.True(t, ok)
	assert.Contains(t, s.Raw, `"scope"`)

	// Repairable planner output still parses.
	s, ok = parseSpec(`{complete: true, spec: {scope: 'parser'},}`)
	require.True(t, ok)
	assert.Contains(t, s.Raw, "parser")

	_, ok = parseSpec(`{"complete": false, "spec": {"scope": "parser"}}`)
	assert.False(t, ok)

	_, ok = parseSpec(`{"complete": true}`)
	assert.False(t, ok)
}

func TestTranscriptRoundTrip(t *testing.T) {
	var tr Transcript
	tr = tr.append("user", "plan this")
	tr = tr.append("assistant", `{"question": "Scope?"}`)

	decoded := parseTranscript(tr.encode())
	require.Len(t, decoded, 2)
	assert.Equal(t, 1, decoded.assistantCount())
	assert.Equal(t, "plan this", decoded[0].Content)

	assert.Nil(t, parseTranscript(""))
	assert.Nil(t, parseTranscript("not json"))
}
