package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	rec := &Record{
		Timestamp:  time.Now().UTC(),
		OpID:       "op-1",
		RepoRoot:   "/srv/repos/api",
		Command:    "push",
		Priority:   "critical",
		Status:     "completed",
		DurationMs: 1234,
	}
	require.NoError(t, w.Write(rec))

	rec2 := &Record{
		Timestamp: time.Now().UTC(),
		OpID:      "op-2",
		Command:   "diff",
		Status:    "failed",
		ErrorKind: "network",
	}
	require.NoError(t, w.Write(rec2))

	path := w.CurrentLogFile()
	require.NotEmpty(t, path)

	records, err := ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "op-1", records[0].OpID)
	assert.Equal(t, "push", records[0].Command)
	assert.Equal(t, int64(1234), records[0].DurationMs)
	assert.Equal(t, "network", records[1].ErrorKind)
}

func TestWriterCloseIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentLogFile())
}
