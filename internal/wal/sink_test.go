package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"ironbook/internal/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkAppendWritesLine(t *testing.T) {
	dir := t.TempDir()
	sink, err := wal.NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Append(1, wal.KindExecution, "AAPL", "100", "200", "150.25", "10"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "1|EXEC|AAPL|100|200|150.25|10\n")
}

func TestFileSinkAppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	sink, err := wal.NewFileSink(dir)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Append(1, wal.KindAdd, "x"))
}
