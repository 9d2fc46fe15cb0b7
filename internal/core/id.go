package core

import (
	"github.com/google/uuid"
)

// NewID returns a random identifier for a new task.
func NewID() string {
	return uuid.NewString()
}
