package log

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetLogger(buf *bytes.Buffer) {
	defaultLogger = &Logger{
		writer:   buf,
		buffer:   NewRingBuffer(16),
		enabled:  true,
		minLevel: LevelDebug,
	}
}

func TestLog_WritesLevelCategoryAndFields(t *testing.T) {
	var buf bytes.Buffer
	resetLogger(&buf)

	Info(CatRouting, "candidate selected", "destination", "engineer", "latency_ms", 12)

	out := buf.String()
	require.Contains(t, out, "[INFO]")
	require.Contains(t, out, "[routing]")
	require.Contains(t, out, "candidate selected")
	require.Contains(t, out, "destination=engineer")
	require.Contains(t, out, "latency_ms=12")
}

func TestLog_OddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	resetLogger(&buf)

	Warn(CatWorkstate, "orphan", "key")

	require.Contains(t, buf.String(), "key=<missing>")
}

func TestLog_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	resetLogger(&buf)
	defaultLogger.minLevel = LevelWarn

	Debug(CatConvoy, "hidden")
	Error(CatConvoy, "shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
}

func TestErrorErr_NilError(t *testing.T) {
	var buf bytes.Buffer
	resetLogger(&buf)

	ErrorErr(CatSignal, "delivery failed", nil)

	require.Contains(t, buf.String(), "error=<nil>")
}

func TestLog_RingBufferKeepsRecent(t *testing.T) {
	var buf bytes.Buffer
	resetLogger(&buf)

	Info(CatCaptain, "first")
	Info(CatCaptain, "second")

	recent := GetRecentLogs(2)
	require.Len(t, recent, 2)
	require.True(t, strings.Contains(recent[0], "first"))
	require.True(t, strings.Contains(recent[1], "second"))
}

func TestLog_ConcurrentWriters(t *testing.T) {
	var buf bytes.Buffer
	resetLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				Debug(CatGraph, "tick")
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 160, strings.Count(buf.String(), "tick"))
}
