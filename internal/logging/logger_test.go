package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec map[string]any
		if json.Unmarshal(sc.Bytes(), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out
}

func TestInitWritesJSONToLogDir(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("poll_cycle", slog.Int("sessions", 3))

	recs := readRecords(t, filepath.Join(dir, LogFileName))
	require.NotEmpty(t, recs)
	assert.Equal(t, "poll_cycle", recs[0]["msg"])
	assert.EqualValues(t, 3, recs[0]["sessions"])
}

func TestInitWithoutOutputsDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	assert.NotNil(t, Logger())
	Logger().Info("dropped")
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()
	log := ForComponent(CompMonitor)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	log.Info("transition_committed", slog.String("from", "processing"), slog.String("to", "complete"))

	recs := readRecords(t, filepath.Join(dir, LogFileName))
	require.Len(t, recs, 1)
	assert.Equal(t, CompMonitor, recs[0]["component"])
	assert.Equal(t, "complete", recs[0]["to"])
}

func TestForComponentWithAttrs(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	ForComponent(CompHooks).With(slog.String("agent_id", "a1")).Info("hook_stop")

	recs := readRecords(t, filepath.Join(dir, LogFileName))
	require.Len(t, recs, 1)
	assert.Equal(t, CompHooks, recs[0]["component"])
	assert.Equal(t, "a1", recs[0]["agent_id"])
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("quiet")
	Logger().Warn("loud")

	recs := readRecords(t, filepath.Join(dir, LogFileName))
	require.Len(t, recs, 1)
	assert.Equal(t, "loud", recs[0]["msg"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("before_crash")

	dump := filepath.Join(dir, "crash.log")
	require.NoError(t, DumpRingBuffer(dump))
	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "before_crash")
}
