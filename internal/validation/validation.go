// Package validation provides input validation helpers for the Tollguard API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum JSON request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxIdentifierLength caps identifier fields carried on a transaction record.
const MaxIdentifierLength = 256

// Reasons attached to a FieldError.
const (
	ReasonMissing   = "missing"
	ReasonMalformed = "malformed"
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")

	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError describes one offending input field.
type FieldError struct {
	Field   string `json:"field"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// FieldErrors is a collection of field errors
type FieldErrors []FieldError

// Error implements the error interface
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Fields returns the offending field names in order.
func (e FieldErrors) Fields() []string {
	names := make([]string, len(e))
	for i, fe := range e {
		names[i] = fe.Field
	}
	return names
}

// Missing builds a FieldError for an absent field.
func Missing(field string) FieldError {
	return FieldError{Field: field, Reason: ReasonMissing, Message: "is required"}
}

// Malformed builds a FieldError for a field that failed type coercion.
func Malformed(field, message string) FieldError {
	return FieldError{Field: field, Reason: ReasonMalformed, Message: message}
}
