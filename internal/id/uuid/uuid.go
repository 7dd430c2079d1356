// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// NewUUIDGenerator creates a Generator. IDs look like "<prefix><uuid7>".
func NewUUIDGenerator(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a new identifier. IDs from one process sort in creation order.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g == nil {
		return id.String(), nil
	}
	return g.prefix + id.String(), nil
}
