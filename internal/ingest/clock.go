package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemClock implements Clock using time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// UUIDGenerator creates time-ordered UUID v7 identifiers.
type UUIDGenerator struct{}

// NewID returns a UUID7 string.
func (UUIDGenerator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
