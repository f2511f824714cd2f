package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir)
	require.NoError(t, err)
	defer logger.Close()

	latency := int64(42)
	ev := Event{
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CorrelationID: "corr-1",
		Kind:          EventToolCall,
		Outcome:       OutcomeSuccess,
		Tool:          "srv-1.tool-a",
		ArgsSHA256:    "deadbeef",
		LatencyMS:     &latency,
		Metadata:      map[string]any{"requestId": "r-1"},
	}
	require.NoError(t, logger.Record(ev))
	require.NoError(t, logger.Close())

	path := filepath.Join(dir, "audit-logs", "audit-2026-01-02.log")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lastLine string
	for scanner.Scan() {
		lastLine = scanner.Text()
	}
	require.NoError(t, scanner.Err())

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(lastLine), &decoded))
	require.Equal(t, ev.CorrelationID, decoded.CorrelationID)
	require.Equal(t, ev.Kind, decoded.Kind)
	require.Equal(t, ev.Outcome, decoded.Outcome)
	require.Equal(t, ev.Tool, decoded.Tool)
	require.Equal(t, ev.ArgsSHA256, decoded.ArgsSHA256)
	require.Equal(t, *ev.LatencyMS, *decoded.LatencyMS)
	require.True(t, ev.Timestamp.Equal(decoded.Timestamp))
}

func TestRecordRotatesOnDayRollover(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir)
	require.NoError(t, err)
	defer logger.Close()

	day1 := time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 3, 0, 1, 0, 0, time.UTC)
	require.NoError(t, logger.Record(Event{Timestamp: day1, Kind: EventToolCall, Outcome: OutcomeSuccess}))
	require.NoError(t, logger.Record(Event{Timestamp: day2, Kind: EventToolCall, Outcome: OutcomeSuccess}))
	require.NoError(t, logger.Close())

	_, err = os.Stat(filepath.Join(dir, "audit-logs", "audit-2026-01-02.log"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "audit-logs", "audit-2026-01-03.log"))
	require.NoError(t, err)
}

func TestSweepRemovesOldFilesAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "audit-logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))

	old := filepath.Join(logDir, "audit-2000-01-01.log")
	recent := filepath.Join(logDir, "audit-"+time.Now().UTC().Format("2006-01-02")+".log")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(recent, []byte("{}\n"), 0o644))

	logger, err := New(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Sweep(30))
	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	require.NoError(t, err)

	// Idempotent: sweeping again when the old file is already gone is a no-op.
	require.NoError(t, logger.Sweep(30))
}
