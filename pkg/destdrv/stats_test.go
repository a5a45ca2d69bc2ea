package destdrv

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicStats(t *testing.T) {
	t.Parallel()

	s := NewAtomicStats()
	s.Incr(ProcessedMessages)
	s.Incr(ProcessedMessages)
	s.Decr(ProcessedMessages)
	s.Add(MemoryUsage, 42)
	s.Set(QueuedMessages, 7)

	assert.EqualValues(t, 1, s.Get(ProcessedMessages))
	assert.EqualValues(t, 42, s.Get(MemoryUsage))
	assert.EqualValues(t, 7, s.Get(QueuedMessages))
	assert.EqualValues(t, 0, s.Get(WrittenMessages))
}

func TestPrometheusStatsRegistersAllCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := NewPrometheusStats(reg, "pgsql,localhost,5432,logs,messages")
	require.NoError(t, err)

	s.Incr(WrittenMessages)
	s.Add(WrittenMessages, 4)
	assert.EqualValues(t, 5, s.Get(WrittenMessages))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, len(allCounters))

	// The same instance name cannot be registered twice.
	_, err = NewPrometheusStats(reg, "pgsql,localhost,5432,logs,messages")
	assert.Error(t, err)
}

func TestStatCounterNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "processed_messages", ProcessedMessages.String())
	assert.Equal(t, "written_messages", WrittenMessages.String())
	assert.Equal(t, "dropped_messages", DroppedMessages.String())
	assert.Equal(t, "memory_usage", MemoryUsage.String())
	assert.Equal(t, "queued_messages", QueuedMessages.String())
}
