package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
)

var errStreamingUnsupported = errors.New("streaming not supported by connection")

// streamWriter pushes named events to one client in the SSE wire format:
//
//	event: <name>\n
//	data: <json>\n
//	\n
//
// It is not safe for concurrent use; each stream handler drives its writer
// from a single select loop.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newStreamWriter prepares the response for event streaming and flushes the
// headers so the client sees the 200 before the first event.
func newStreamWriter(c *gin.Context) (*streamWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &streamWriter{w: c.Writer, flusher: flusher}, nil
}

// send writes one event frame and flushes it. Write errors mean the client
// is gone; callers treat them as a disconnect.
func (s *streamWriter) send(event string, payload interface{}) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
