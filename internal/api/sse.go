package api

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/inkwell-ai/inkwell/internal/core"
	"github.com/inkwell-ai/inkwell/pkg/models"
)

// sseEmitter adapts a gin response writer into the pipeline's stream
// contract. Events flush immediately; after a terminal event (done or
// error) further emissions are suppressed.
type sseEmitter struct {
	c       *gin.Context
	mu      sync.Mutex
	started bool
	closed  bool
}

func newSSEEmitter(c *gin.Context) *sseEmitter {
	return &sseEmitter{c: c}
}

func (e *sseEmitter) send(event string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("stream closed")
	}
	// Stream headers go out with the first event so a failure before any
	// emission can still fall back to the JSON error envelope.
	if !e.started {
		e.c.Header("Content-Type", "text/event-stream")
		e.c.Header("Cache-Control", "no-cache")
		e.c.Header("Connection", "keep-alive")
		e.started = true
	}
	e.c.SSEvent(event, payload)
	e.c.Writer.Flush()
	return nil
}

// Sources emits the grounding passages; always the first event
func (e *sseEmitter) Sources(sources []models.SourceRef) error {
	if sources == nil {
		sources = []models.SourceRef{}
	}
	return e.send("sources", sources)
}

// Token emits one answer fragment
func (e *sseEmitter) Token(token string) error {
	return e.send("token", token)
}

// Usage emits the token accounting after the last token
func (e *sseEmitter) Usage(usage models.Usage) error {
	return e.send("usage", usage)
}

// Done closes a successful stream
func (e *sseEmitter) Done(done core.DoneEvent) error {
	err := e.send("done", done)
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return err
}

// Fail terminates the stream with an error event, or falls back to the
// non-streaming envelope if nothing has been emitted yet.
func (e *sseEmitter) Fail(c *gin.Context, err error) {
	e.mu.Lock()
	started := e.started
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if !started {
		writeError(c, err)
		return
	}

	ae := fromStreamError(err)
	c.SSEvent("error", gin.H{"code": ae.Code, "message": ae.Message})
	c.Writer.Flush()
	c.Status(http.StatusOK)
}
