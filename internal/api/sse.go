package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ant2api/ant2api/internal/logging"
	"github.com/ant2api/ant2api/internal/translator/claude"
)

// drainContext detaches the upstream stream from the client connection. A
// client disconnect must only silence the sender; the body read keeps going
// so trailing signature saves and merged logs still complete. The upstream
// client's own timeout bounds the detached read.
func drainContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// sseSender writes SSE frames to the client. Once the client goes away the
// sender turns into a sink so the upstream stream can still be drained for
// signature persistence and logging.
type sseSender struct {
	c          *gin.Context
	clientGone bool
}

func newSSESender(c *gin.Context) *sseSender {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
	return &sseSender{c: c}
}

// data writes unnamed data frames, the chat-completions event form.
func (s *sseSender) data(level logging.Level, events []string) {
	for _, ev := range events {
		if level.ClientEnabled() && level.RawEnabled() {
			logging.ClientStreamEvent("", ev)
		}
		if !s.writable() {
			continue
		}
		if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", ev); err != nil {
			s.clientGone = true
			continue
		}
		s.c.Writer.Flush()
	}
}

// events writes named frames, the messages event form.
func (s *sseSender) events(level logging.Level, events []claude.StreamEvent) {
	for _, ev := range events {
		if level.ClientEnabled() && level.RawEnabled() {
			logging.ClientStreamEvent(ev.Event, ev.Data)
		}
		if !s.writable() {
			continue
		}
		if _, err := fmt.Fprintf(s.c.Writer, "event: %s\ndata: %s\n\n", ev.Event, ev.Data); err != nil {
			s.clientGone = true
			continue
		}
		s.c.Writer.Flush()
	}
}

func (s *sseSender) writable() bool {
	if s.clientGone {
		return false
	}
	if s.c.Request.Context().Err() != nil {
		s.clientGone = true
		return false
	}
	return true
}
