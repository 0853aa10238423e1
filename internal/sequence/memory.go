package sequence

import (
	"context"
	"sync"
)

// MemoryGenerator is the in-memory Generator used with the in-memory stores
// and in tests.
type MemoryGenerator struct {
	mu     sync.Mutex
	values map[string]int
}

// NewMemoryGenerator constructs a MemoryGenerator.
func NewMemoryGenerator() *MemoryGenerator {
	return &MemoryGenerator{values: make(map[string]int)}
}

// Next returns the next sequence number for (scope, period).
func (g *MemoryGenerator) Next(_ context.Context, scope string, period Period) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := scope + ":" + period.String()
	value := g.values[key] + 1
	if value > maxPerPeriod {
		return 0, ErrExhausted
	}
	g.values[key] = value
	return value, nil
}
