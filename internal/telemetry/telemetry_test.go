package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAggregate_Empty(t *testing.T) {
	agg := computeAggregate(nil)

	assert.Equal(t, 0, agg.Count)
	assert.Equal(t, 0.0, agg.SuccessRate)
	assert.Empty(t, agg.IntentCounts)
}

func TestComputeAggregate_RatesAndAverages(t *testing.T) {
	entries := []QueryTelemetry{
		{Success: true, RowCount: 3, RetryCount: 0, ConfidenceScore: 0.9, ExecutionTimeMs: 100, Intent: "lookup"},
		{Success: false, RowCount: 0, RetryCount: 2, ConfidenceScore: 0.3, ExecutionTimeMs: 300, Intent: "aggregation", Error: "timeout: deadline exceeded"},
		{Success: true, RowCount: 0, RetryCount: 1, ConfidenceScore: 0.6, ExecutionTimeMs: 200, Intent: "lookup", Error: "timeout: slow query"},
	}

	agg := computeAggregate(entries)

	assert.Equal(t, 3, agg.Count)
	assert.InDelta(t, 2.0/3.0, agg.SuccessRate, 0.0001)
	assert.InDelta(t, 1.0, agg.AvgRetries, 0.0001)
	assert.InDelta(t, 0.6, agg.AvgConfidence, 0.0001)
	assert.InDelta(t, 2.0/3.0, agg.EmptyResultRate, 0.0001)
	assert.InDelta(t, 200.0, agg.AvgExecTimeMs, 0.0001)
	assert.Equal(t, 2, agg.IntentCounts["lookup"])
	assert.Equal(t, 1, agg.IntentCounts["aggregation"])

	require.Len(t, agg.TopErrorPrefixes, 1)
	assert.Equal(t, "timeout", agg.TopErrorPrefixes[0].Prefix)
	assert.Equal(t, 2, agg.TopErrorPrefixes[0].Count)
}

func TestComputeAggregate_ErrorPrefixesSortedByCountThenName(t *testing.T) {
	entries := []QueryTelemetry{
		{Error: "zeta: oops"},
		{Error: "alpha: oops"},
		{Error: "alpha: different"},
	}

	agg := computeAggregate(entries)

	require.Len(t, agg.TopErrorPrefixes, 2)
	assert.Equal(t, "alpha", agg.TopErrorPrefixes[0].Prefix)
	assert.Equal(t, 2, agg.TopErrorPrefixes[0].Count)
	assert.Equal(t, "zeta", agg.TopErrorPrefixes[1].Prefix)
}

func TestErrorPrefix(t *testing.T) {
	assert.Equal(t, "timeout", errorPrefix("timeout: deadline exceeded"))
	assert.Equal(t, "no colon here", errorPrefix("no colon here"))
	assert.Equal(t, ": leading colon", errorPrefix(": leading colon"), "a colon at position 0 should not split")
}

func TestNewMemoryLogger_FallsBackToDefaultCapacity(t *testing.T) {
	l := NewMemoryLogger(0)
	assert.Equal(t, 1000, l.capacity)
}

func TestMemoryLogger_LogAndAggregate(t *testing.T) {
	l := NewMemoryLogger(10)
	now := time.Now()

	require.NoError(t, l.Log(context.Background(), QueryTelemetry{Success: true, Timestamp: now}))
	require.NoError(t, l.Log(context.Background(), QueryTelemetry{Success: false, Timestamp: now}))

	agg, err := l.Aggregate(context.Background(), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Count)
}

func TestMemoryLogger_AggregateExcludesEntriesBeforeSince(t *testing.T) {
	l := NewMemoryLogger(10)
	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	require.NoError(t, l.Log(context.Background(), QueryTelemetry{Timestamp: old}))
	require.NoError(t, l.Log(context.Background(), QueryTelemetry{Timestamp: recent}))

	agg, err := l.Aggregate(context.Background(), recent.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Count)
}

func TestMemoryLogger_StampsTimestampWhenZero(t *testing.T) {
	l := NewMemoryLogger(10)

	require.NoError(t, l.Log(context.Background(), QueryTelemetry{Success: true}))

	snap := l.snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Timestamp.IsZero())
}

func TestMemoryLogger_WrapsAroundRingBuffer(t *testing.T) {
	l := NewMemoryLogger(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(context.Background(), QueryTelemetry{SessionID: string(rune('a' + i))}))
	}

	snap := l.snapshot()
	require.Len(t, snap, 3, "ring buffer should report only its capacity worth of entries once full")
	assert.Equal(t, "c", snap[0].SessionID, "oldest surviving entry should be the first emitted after wraparound")
	assert.Equal(t, "e", snap[2].SessionID)
}
