// Package model defines the core domain types for Kaiseki.
//
// Types correspond directly to database tables, pipeline stage outputs,
// and wire payloads. They use strong typing (enums, time.Time) and are
// treated as immutable values once created. Stages communicate by
// constructing new values, never by mutating shared ones.
package model

import (
	"strings"

	"github.com/google/uuid"
)

// IDHexLength is the length of generated project/run identifiers.
const IDHexLength = 12

// NewID returns a short hex identifier for projects and runs.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:IDHexLength]
}

// ErrorTruncationChars bounds stage error messages stored on results.
const ErrorTruncationChars = 200

// TruncateError shortens err text for stage records and wire payloads.
func TruncateError(msg string) string {
	if len(msg) <= ErrorTruncationChars {
		return msg
	}
	return msg[:ErrorTruncationChars]
}
