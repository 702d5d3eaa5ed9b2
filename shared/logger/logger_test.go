package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		level     string
		wantLevel []string
	}{
		{level: "debug", wantLevel: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{level: "info", wantLevel: []string{"INFO", "WARN", "ERROR"}},
		{level: "", wantLevel: []string{"INFO", "WARN", "ERROR"}},
		{level: "WARNING", wantLevel: []string{"WARN", "ERROR"}},
		{level: "error", wantLevel: []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			out := &bytes.Buffer{}
			l, err := New(&Config{Level: tt.level, Format: "json", writer: out})
			require.NoError(t, err)

			l.Debug("Job admitted")
			l.Info("Job admitted")
			l.Warn("Duplicate job skipped")
			l.Error("Job failed")

			var got []string
			for _, entry := range decodeLines(t, out) {
				got = append(got, entry["level"].(string))
			}
			assert.Equal(t, tt.wantLevel, got)
		})
	}
}

func TestNew_JSONAttributes(t *testing.T) {
	out := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: out})
	require.NoError(t, err)

	l.Info("Job completed successfully",
		slog.String("job_id", "abc12345"),
		slog.Int("files_delivered", 2),
		slog.Bool("partial", false),
	)

	entries := decodeLines(t, out)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "Job completed successfully", entry["msg"])
	assert.Equal(t, "abc12345", entry["job_id"])
	assert.Equal(t, float64(2), entry["files_delivered"])
	assert.Equal(t, false, entry["partial"])

	source, ok := entry["source"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_Console(t *testing.T) {
	out := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "console", writer: out})
	require.NoError(t, err)

	l.Info("Worker pool spawned successfully", slog.Int("worker_count", 3))

	// tint abbreviates levels
	assert.Contains(t, out.String(), "INF")
	assert.Contains(t, out.String(), "Worker pool spawned successfully")
	assert.Contains(t, out.String(), "worker_count")
}

func TestLogger_Component(t *testing.T) {
	out := &bytes.Buffer{}
	l, err := New(&Config{Format: "json", writer: out})
	require.NoError(t, err)

	l.Component("delivery").Info("Upload succeeded", slog.String("job_id", "abc12345"))

	entries := decodeLines(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "delivery", entries[0]["component"])
	assert.Equal(t, "abc12345", entries[0]["job_id"])
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")

	l, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.Info("written to file", slog.String("job_id", "abc12345"))
	require.NoError(t, l.Close())

	l, err = New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	l.Info("appended")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	entries := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, entries, 2)
	assert.Equal(t, "written to file", entries[0]["msg"])
	assert.Equal(t, "abc12345", entries[0]["job_id"])
	assert.Equal(t, "appended", entries[1]["msg"])
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	l, err := New(&Config{Output: filepath.Join(blocker, "worker.log")})
	require.Error(t, err)
	assert.Nil(t, l)
}

func TestLogger_CloseWithoutFile(t *testing.T) {
	l, err := New(&Config{Output: "stderr"})
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}
