// Package api exposes the HTTP surface: the streamed answer endpoint, the
// knowledge-enhancement endpoint, and the admin/stats routes, with the
// middleware chain RequestID -> RateLimiter -> Auth -> handler; request
// bodies are validated inside the handlers.
package api

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/validation"
)

// errorBody is the wire envelope for non-streaming errors
type errorBody struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	RequestID  string      `json:"requestId"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

// errorEnvelope wraps errorBody under the error key
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError renders the §-stable error envelope with rate-limit headers
// when applicable.
func writeError(c *gin.Context, err error) {
	ae := apperr.From(err)

	if ae.RetryAfter > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", ae.RetryAfter))
	}

	c.AbortWithStatusJSON(ae.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:       ae.Code,
		Message:    ae.Message,
		Details:    ae.Details,
		Timestamp:  time.Now().UTC(),
		RequestID:  c.GetString(contextKeyRequestID),
		RetryAfter: ae.RetryAfter,
	}})
}

var langPattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)

// chatSchema validates the chat request body. Unknown fields are rejected;
// absence of intent or context behaves exactly like a question-only request.
func chatSchema() validation.Schema {
	return validation.Schema{Fields: map[string]validation.Rule{
		"message": {Required: true, Type: validation.TypeString, MinLength: 1, MaxLength: 4000, Sanitize: true},
		"book_id": {Required: true, Type: validation.TypeUUID},
		"intent": {Type: validation.TypeString, AllowedValues: []string{
			"ask", "translate", "explain", "disambiguate", "summarize", "enhance",
		}},
		"targetLang":     {Type: validation.TypeString, Pattern: langPattern},
		"conversationId": {Type: validation.TypeUUID},
		"context": {Type: validation.TypeObject, Custom: func(value interface{}) error {
			obj := value.(map[string]interface{})
			text, ok := obj["text"].(string)
			if !ok || text == "" {
				return fmt.Errorf("context.text is required")
			}
			for field := range obj {
				switch field {
				case "text", "before", "after":
				default:
					return fmt.Errorf("unknown field: context.%s", field)
				}
			}
			return nil
		}},
	}}
}

// contextTextSchema separately enforces the 300-character cap with the
// payload-too-large status.
func contextTextSchema() validation.Schema {
	return validation.Schema{Fields: map[string]validation.Rule{
		"text":   {Type: validation.TypeString, MaxLength: 300, OversizeIsPayload: true, Sanitize: true},
		"before": {Type: validation.TypeString, MaxLength: 1000, Sanitize: true},
		"after":  {Type: validation.TypeString, MaxLength: 1000, Sanitize: true},
	}}
}

// prewarmSchema validates the admin pre-warm request
func prewarmSchema() validation.Schema {
	return validation.Schema{Fields: map[string]validation.Rule{
		"entries": {Required: true, Type: validation.TypeArray, MaxLength: 100},
	}}
}

// invalidateSchema validates the admin invalidation request
func invalidateSchema() validation.Schema {
	return validation.Schema{Fields: map[string]validation.Rule{
		"keys":     {Type: validation.TypeArray, MaxLength: 1000},
		"pattern":  {Type: validation.TypeString, MaxLength: 200},
		"strategy": {Type: validation.TypeString, AllowedValues: []string{"immediate", "lazy", "batched"}},
	}}
}

// statusOK is the trivial healthy body
func statusOK() gin.H {
	return gin.H{"status": "ok"}
}

// abortStatus is a tiny helper for fixed-status denials
func abortStatus(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString(contextKeyRequestID),
	}})
}
