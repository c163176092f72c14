package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/imaptest/corpus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSourceFromCorpusJoinsHeaderAndBody(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.eml"),
		[]byte("Subject: hi\r\nContent-Type: text/plain\r\n\r\nbody text\r\n"), 0o644))

	src, err := corpus.NewLocalSource(dir)
	require.NoError(t, err)

	fn := MessageSourceFromCorpus(src)
	s, _ := newPlannerSession(t)
	got := fn(s)

	assert.Contains(t, string(got), "Subject: hi")
	assert.Contains(t, string(got), "body text")
}

func TestMessageSourceFromCorpusFallsBackOnSourceError(t *testing.T) {
	fn := MessageSourceFromCorpus(failingSource{})
	s, _ := newPlannerSession(t)
	assert.Equal(t, defaultAppendBody, fn(s))
}

type failingSource struct{}

func (failingSource) Next(ctx context.Context) ([]byte, []byte, error) {
	return nil, nil, context.Canceled
}
