package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/events/bus"
)

// streamBuffer is the per-client event backlog. A client that falls further
// behind than this is disconnected rather than slowing the bus.
const streamBuffer = 64

// StreamEvents pushes every bus event to the client as server-sent events.
// GET /api/v1/events/stream
func (h *Handler) StreamEvents(c *gin.Context) {
	ch := make(chan *bus.Event, streamBuffer)
	overflow := make(chan struct{})

	sub, err := h.bus.Subscribe(">", func(_ context.Context, event *bus.Event) error {
		select {
		case ch <- event:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
		return nil
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("Failed to unsubscribe stream client", zap.Error(err))
		}
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-overflow:
			h.logger.Warn("Stream client fell behind, disconnecting")
			return
		case event := <-ch:
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("Failed to encode stream event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
