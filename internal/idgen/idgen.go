// Package idgen generates request and batch identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// MaxRequestIDLength caps client-supplied request ids.
const MaxRequestIDLength = 64

// Batch returns a new batch id (a random UUID).
func Batch() string {
	return uuid.NewString()
}

// Request returns a new request id: "req_" and 24 hex chars.
func Request() string {
	id := uuid.New()
	return "req_" + strings.ReplaceAll(id.String(), "-", "")[:24]
}

// ValidRequestID reports whether a client-supplied id can be echoed back and
// logged: 1 to MaxRequestIDLength characters of [A-Za-z0-9._-].
func ValidRequestID(s string) bool {
	if s == "" || len(s) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
