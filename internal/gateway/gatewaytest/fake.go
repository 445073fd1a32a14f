// Package gatewaytest provides an in-memory gateway client for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/missionctl/missionctl/internal/gateway"
)

// Fake implements gateway.Client with scripted histories and recorded sends.
type Fake struct {
	mu          sync.RWMutex
	histories   map[string][]gateway.Message
	sent        map[string][]string
	patches     map[string][]gateway.SessionPatch
	sendErr     error
	historyErr  error
	onSend      func(sessionKey, text string)
	subscribers map[int64]fakeSubscriber
	nextSubID   int64
	sessions    []gateway.SessionInfo
}

type fakeSubscriber struct {
	kind    string
	handler gateway.EventHandler
}

// New creates an empty fake gateway.
func New() *Fake {
	return &Fake{
		histories:   make(map[string][]gateway.Message),
		sent:        make(map[string][]string),
		patches:     make(map[string][]gateway.SessionPatch),
		subscribers: make(map[int64]fakeSubscriber),
	}
}

func (f *Fake) Connect(ctx context.Context) error { return nil }
func (f *Fake) Close()                            {}

// SendMessage records the send, or fails when FailSends was set.
func (f *Fake) SendMessage(ctx context.Context, sessionKey, text string) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := &gateway.SendError{SessionKey: sessionKey, Err: f.sendErr}
		f.mu.Unlock()
		return err
	}
	f.sent[sessionKey] = append(f.sent[sessionKey], text)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(sessionKey, text)
	}
	return nil
}

func (f *Fake) PatchSession(ctx context.Context, sessionKey string, patch gateway.SessionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[sessionKey] = append(f.patches[sessionKey], patch)
	return nil
}

func (f *Fake) ChatHistory(ctx context.Context, sessionKey string) ([]gateway.Message, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	msgs := f.histories[sessionKey]
	out := make([]gateway.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *Fake) OnEvent(kind string, handler gateway.EventHandler) func() {
	f.mu.Lock()
	f.nextSubID++
	id := f.nextSubID
	f.subscribers[id] = fakeSubscriber{kind: kind, handler: handler}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
}

func (f *Fake) ListSessions(ctx context.Context) ([]gateway.SessionInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]gateway.SessionInfo, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *Fake) ListCronJobs(ctx context.Context) ([]gateway.CronJob, error) {
	return nil, nil
}

func (f *Fake) CronStatus(ctx context.Context) (*gateway.CronStatus, error) {
	return &gateway.CronStatus{Running: true}, nil
}

// --- scripting helpers ---

// SetHistory replaces a session's chat history.
func (f *Fake) SetHistory(sessionKey string, msgs []gateway.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[sessionKey] = msgs
}

// AppendAssistant appends an assistant message with the given text and time.
func (f *Fake) AppendAssistant(sessionKey, text string, at time.Time) {
	f.AppendMessage(sessionKey, gateway.RoleAssistant, text, at)
}

// AppendMessage appends a plain-text message to a session's history.
func (f *Fake) AppendMessage(sessionKey, role, text string, at time.Time) {
	content, err := json.Marshal(text)
	if err != nil {
		panic(fmt.Sprintf("gatewaytest: marshal message text: %v", err))
	}
	msg := gateway.Message{Role: role, Content: content}
	if !at.IsZero() {
		msg.Timestamp = at.UTC().Format(time.RFC3339)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[sessionKey] = append(f.histories[sessionKey], msg)
}

// Sent returns the texts sent to a session, in order.
func (f *Fake) Sent(sessionKey string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.sent[sessionKey]))
	copy(out, f.sent[sessionKey])
	return out
}

// Patches returns the session patches applied to a session.
func (f *Fake) Patches(sessionKey string) []gateway.SessionPatch {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]gateway.SessionPatch, len(f.patches[sessionKey]))
	copy(out, f.patches[sessionKey])
	return out
}

// OnSend installs a hook invoked after each successful send, outside the
// fake's lock so it may script a reply with AppendAssistant.
func (f *Fake) OnSend(fn func(sessionKey, text string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

// FailSends makes subsequent SendMessage calls fail with err (nil restores
// normal behavior).
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// FailHistory makes subsequent ChatHistory calls fail with err.
func (f *Fake) FailHistory(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr = err
}

// SetSessions sets the snapshot returned by ListSessions.
func (f *Fake) SetSessions(sessions []gateway.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
}

// PushEvent delivers a lifecycle frame to matching subscribers synchronously.
func (f *Fake) PushEvent(ev *gateway.Event) {
	f.mu.RLock()
	handlers := make([]gateway.EventHandler, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		if sub.kind == "*" || sub.kind == ev.Event {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
