package idgen

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string, so primary keys sort by creation
// time. Falls back to a random UUID when v7 generation fails.
func New() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
