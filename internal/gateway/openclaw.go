package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
)

// OpenClawClient talks to an openclaw gateway over HTTP, with a websocket
// for lifecycle frames.
type OpenClawClient struct {
	baseURL    string
	wsPath     string
	token      string
	httpClient *http.Client
	logger     *logger.Logger

	mu          sync.RWMutex
	wsConn      *websocket.Conn
	connected   bool
	closed      bool
	subscribers map[int64]eventSubscriber
	nextSubID   int64
}

type eventSubscriber struct {
	kind    string
	handler EventHandler
}

// NewOpenClawClient creates a gateway client from configuration.
func NewOpenClawClient(cfg config.GatewayConfig, log *logger.Logger) *OpenClawClient {
	return &OpenClawClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		wsPath:  cfg.WSPath,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:      log.WithFields(zap.String("component", "gateway-client")),
		subscribers: make(map[int64]eventSubscriber),
	}
}

// Connect opens the event websocket. Idempotent; safe to call again after a
// connection loss.
func (c *OpenClawClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gateway client is closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("connect to gateway events at %s: %w", wsURL, err)
	}

	c.mu.Lock()
	c.wsConn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("Connected to gateway", zap.String("url", wsURL))

	go c.readLoop(conn)
	return nil
}

func (c *OpenClawClient) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.wsPath
	return u.String(), nil
}

// readLoop dispatches lifecycle frames until the connection drops.
func (c *OpenClawClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.wsConn == conn {
			c.wsConn = nil
			c.connected = false
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Gateway event stream read error", zap.Error(err))
			}
			return
		}
		c.dispatch(&ev)
	}
}

func (c *OpenClawClient) dispatch(ev *Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		if sub.kind == "*" || sub.kind == ev.Event {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// OnEvent registers a handler for frames of a kind ("*" for all).
func (c *OpenClawClient) OnEvent(kind string, handler EventHandler) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = eventSubscriber{kind: kind, handler: handler}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// SendMessage posts text to a session.
func (c *OpenClawClient) SendMessage(ctx context.Context, sessionKey, text string) error {
	payload := struct {
		Text string `json:"text"`
	}{Text: text}

	path := "/api/sessions/" + url.PathEscape(sessionKey) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, payload, nil); err != nil {
		return &SendError{SessionKey: sessionKey, Err: err}
	}
	return nil
}

// PatchSession applies model/provider overrides to a session.
func (c *OpenClawClient) PatchSession(ctx context.Context, sessionKey string, patch SessionPatch) error {
	path := "/api/sessions/" + url.PathEscape(sessionKey)
	return c.doJSON(ctx, http.MethodPatch, path, patch, nil)
}

// ChatHistory returns the session's messages in order.
func (c *OpenClawClient) ChatHistory(ctx context.Context, sessionKey string) ([]Message, error) {
	var result struct {
		Messages []Message `json:"messages"`
	}
	path := "/api/sessions/" + url.PathEscape(sessionKey) + "/history"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// ListSessions returns the gateway's session snapshots.
func (c *OpenClawClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var result struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// ListCronJobs returns the gateway's scheduled jobs.
func (c *OpenClawClient) ListCronJobs(ctx context.Context) ([]CronJob, error) {
	var result struct {
		Jobs []CronJob `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/cron/jobs", nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// CronStatus returns the gateway scheduler's health snapshot.
func (c *OpenClawClient) CronStatus(ctx context.Context) (*CronStatus, error) {
	var result CronStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/cron/status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close tears down the websocket and rejects further use.
func (c *OpenClawClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.connected = false
	if c.wsConn != nil {
		_ = c.wsConn.Close()
		c.wsConn = nil
	}
	c.subscribers = make(map[int64]eventSubscriber)
}

// doJSON performs an HTTP round trip with JSON encoding both ways.
func (c *OpenClawClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody := new(bytes.Buffer)
	if _, err := respBody.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed with status %d: %s",
			method, path, resp.StatusCode, truncateBody(respBody.Bytes()))
	}

	if out != nil {
		if err := json.Unmarshal(respBody.Bytes(), out); err != nil {
			return fmt.Errorf("parse response (status %d, body: %s): %w",
				resp.StatusCode, truncateBody(respBody.Bytes()), err)
		}
	}
	return nil
}

// truncateBody truncates body for error messages to avoid huge logs.
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
