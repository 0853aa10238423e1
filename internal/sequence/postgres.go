package sequence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGenerator implements Generator on a doc_sequences table. The upsert
// increments atomically, so concurrent callers for the same key serialise on
// the row without an explicit lock.
type PostgresGenerator struct {
	pool *pgxpool.Pool
}

// NewPostgresGenerator constructs a PostgresGenerator.
func NewPostgresGenerator(pool *pgxpool.Pool) *PostgresGenerator {
	return &PostgresGenerator{pool: pool}
}

// Next returns the next sequence number for (scope, period).
func (g *PostgresGenerator) Next(ctx context.Context, scope string, period Period) (int, error) {
	const query = `
		INSERT INTO doc_sequences (scope, period, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (scope, period)
		DO UPDATE SET value = doc_sequences.value + 1
		RETURNING value
	`
	var value int
	if err := g.pool.QueryRow(ctx, query, scope, period.String()).Scan(&value); err != nil {
		return 0, fmt.Errorf("sequence: next %s/%s: %w", scope, period, err)
	}
	if value > maxPerPeriod {
		return 0, ErrExhausted
	}
	return value, nil
}
