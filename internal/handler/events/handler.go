package events

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-flow/internal/service/notify"
)

// Handler streams hub events to displays as server-sent events.
type Handler struct {
	hub       *notify.Hub
	keepAlive time.Duration
}

func NewHandler(hub *notify.Hub, keepAlive time.Duration) *Handler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &Handler{hub: hub, keepAlive: keepAlive}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events/stream", h.Stream)
}

// Stream sends each event as "event: <topic>.<type>" with the event as JSON
// data. ?topics=sessions,clinicians narrows the stream.
func (h *Handler) Stream(c *gin.Context) {
	var topics []string
	if raw := c.Query("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	sub := h.hub.Subscribe(topics...)
	defer sub.Close()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(ev.Topic+"."+ev.Type, ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}
