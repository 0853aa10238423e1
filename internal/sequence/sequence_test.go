package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatDOCode(t *testing.T) {
	period := Period{Year: 2026, Month: time.March}
	require.Equal(t, "DO/2026/03/0001", FormatDOCode(period, 1))
	require.Equal(t, "DO/2026/03/0042", FormatDOCode(period, 42))
	require.Equal(t, "DO/2026/03/9999", FormatDOCode(period, 9999))
}

func TestMemoryGeneratorResetsPerMonth(t *testing.T) {
	gen := NewMemoryGenerator()
	ctx := context.Background()

	march := Period{Year: 2026, Month: time.March}
	april := Period{Year: 2026, Month: time.April}

	for i := 1; i <= 3; i++ {
		v, err := gen.Next(ctx, ScopeDeliveryOrder, march)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}

	v, err := gen.Next(ctx, ScopeDeliveryOrder, april)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestMemoryGeneratorExhaustion(t *testing.T) {
	gen := NewMemoryGenerator()
	ctx := context.Background()
	period := Period{Year: 2026, Month: time.May}

	gen.values[ScopeDeliveryOrder+":"+period.String()] = maxPerPeriod

	_, err := gen.Next(ctx, ScopeDeliveryOrder, period)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMemoryGeneratorConcurrentCallers(t *testing.T) {
	gen := NewMemoryGenerator()
	ctx := context.Background()
	period := Period{Year: 2026, Month: time.June}

	const callers = 50
	results := make([]int, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := gen.Next(ctx, ScopeDeliveryOrder, period)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Ints(results)
	for i, v := range results {
		require.Equal(t, i+1, v, "sequence must be dense and duplicate-free")
	}
}
