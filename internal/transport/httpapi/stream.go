package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamAppointments serves the appointment list as server-sent events: one
// "appointments" event with the current page, then another after every
// change. Clients reconnect to restart the feed.
func (h *Handler) StreamAppointments(c *gin.Context) {
	log := h.log.With(slog.String("route", "StreamAppointments"))

	in, ok := listInput(c, log)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	pages, err := h.svc.WatchAppointments(ctx, in)
	if err != nil {
		fail(c, log, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("stream client disconnected")
			return
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC()})
			c.Writer.Flush()
		case page, ok := <-pages:
			if !ok {
				return
			}
			c.SSEvent("appointments", toPageResponse(page))
			c.Writer.Flush()
		}
	}
}
