package rawlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesExclusiveFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, 42)
	require.NoError(t, err)
	defer sink.Close()

	info, err := os.Stat(filepath.Join(dir, "rawlog.42"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestOpenFailsWhenFileAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, 7)
	require.NoError(t, err)
	sink.Close()

	_, err = Open(dir, 7)
	require.Error(t, err)
}

func TestWriteAppendsTimestampedLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, 1)
	require.NoError(t, err)

	sink.Write(DirectionOut, []byte("1.1 NOOP\r\n"))
	sink.Write(DirectionIn, []byte("1.1 OK NOOP\r\n"))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "rawlog.1"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, ">> 1.1 NOOP\r\n")
	assert.Contains(t, content, "<< 1.1 OK NOOP\r\n")
}

func TestWriteMarksIncompleteChunk(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(dir, 2)
	require.NoError(t, err)

	sink.Write(DirectionIn, []byte("partial chunk without newline"))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "rawlog.2"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "partial chunk without newline<<\n")
}
