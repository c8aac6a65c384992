package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) add(level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Infof(format string, args ...any)  { r.add("INFO", format, args...) }
func (r *recordingLogger) Debugf(format string, args ...any) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Warnf(format string, args ...any)  { r.add("WARN", format, args...) }
func (r *recordingLogger) Errorf(format string, args ...any) { r.add("ERROR", format, args...) }

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLogLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLogLevel("warning"))
	require.Equal(t, LevelInfo, ParseLogLevel(""))
	require.Equal(t, LevelInfo, ParseLogLevel("verbose"))
}

func TestLogWriter_SplitsLinesAndLevels(t *testing.T) {
	rec := &recordingLogger{}
	w := NewLogWriter(rec)

	_, err := w.Write([]byte("2026-10-17T10:00:00 [WARN]  raft: heartbeat timeout\n2026-10-17T10:00:01 [INFO]  raft: entering "))
	require.NoError(t, err)
	_, err = w.Write([]byte("leader state\n[DEBUG] raft: noise\n"))
	require.NoError(t, err)

	require.Equal(t, []string{
		"WARN 2026-10-17T10:00:00 [WARN]  raft: heartbeat timeout",
		"INFO 2026-10-17T10:00:01 [INFO]  raft: entering leader state",
		"DEBUG [DEBUG] raft: noise",
	}, rec.lines)
}

func TestNamedLogger_UsesGlobal(t *testing.T) {
	rec := &recordingLogger{}
	SetGlobalLogger(rec)
	defer SetGlobalLogger(nil)

	Named("executor").Infof("applied index=%d", 5)
	require.Equal(t, []string{"INFO [executor] applied index=5"}, rec.lines)
}

func TestDailyFileLogger_FiltersByLevel(t *testing.T) {
	dir := t.TempDir()
	l, err := NewDailyFileLogger(DailyFileLoggerOptions{
		BaseDir:  dir,
		Prefix:   "kvnode",
		MinLevel: LevelWarn,
	})
	require.NoError(t, err)

	l.Infof("dropped")
	l.Warnf("kept %d", 1)
	require.NoError(t, l.Close())

	name := fmt.Sprintf("kvnode-%s.log", time.Now().Format("2006-01-02"))
	data, err := os.ReadFile(filepath.Join(dir, "logs", name))
	require.NoError(t, err)

	content := string(data)
	require.False(t, strings.Contains(content, "dropped"))
	require.Contains(t, content, "[WARN] kept 1")
}

func TestDailyFileLogger_FileName(t *testing.T) {
	tt := []struct {
		opts DailyFileLoggerOptions
		want string
	}{
		{opts: DailyFileLoggerOptions{}, want: "2026-10-17.log"},
		{opts: DailyFileLoggerOptions{Prefix: "kvnode"}, want: "kvnode-2026-10-17.log"},
		{opts: DailyFileLoggerOptions{Prefix: "kvnode", NodeID: "n2"}, want: "kvnode-n2-2026-10-17.log"},
		{opts: DailyFileLoggerOptions{NodeID: " n3 "}, want: "n3-2026-10-17.log"},
	}
	for _, tc := range tt {
		l := &DailyFileLogger{opts: tc.opts}
		require.Equal(t, tc.want, l.fileName("2026-10-17", "log"))
	}
}
