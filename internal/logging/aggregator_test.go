package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorFlushSummaries(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	agg.Record(CompBackend, "capture_failed", slog.String("session", "claude-a"))
	agg.Record(CompBackend, "capture_failed", slog.String("session", "claude-b"))
	agg.Record(CompBackend, "backend_unavailable")
	assert.EqualValues(t, 2, agg.Pending(CompBackend, "capture_failed"))

	agg.Flush()
	assert.Zero(t, agg.Pending(CompBackend, "capture_failed"))

	var recs []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var r map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, "backend_unavailable", recs[0]["event"])
	assert.Equal(t, "capture_failed", recs[1]["event"])
	assert.EqualValues(t, 2, recs[1]["count"])
	assert.Equal(t, "claude-b", recs[1]["session"])
}

func TestAggregatorNilLoggerDrops(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Record(CompMonitor, "x")
	agg.Flush()
	assert.Zero(t, agg.Pending(CompMonitor, "x"))
}

func TestAggregatorStopIsIdempotent(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Stop()
	agg.Stop()
}
