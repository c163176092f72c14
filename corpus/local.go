package corpus

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// LocalSource serves messages from a directory of pre-seeded .eml
// fixtures, cycling through them round-robin. Fixtures are read one
// at a time on each Next call rather than loaded up front, so a
// directory of many or large fixtures doesn't sit in memory at once.
type LocalSource struct {
	mu    sync.Mutex
	files []string
	next  int
}

// NewLocalSource walks dir for *.eml fixtures. The file list is
// sorted so two runs over the same directory start from the same
// message, regardless of the order the filesystem happens to return
// entries in.
func NewLocalSource(dir string) (*LocalSource, error) {
	return NewLocalSourceWithMaxSize(dir, 0)
}

// NewLocalSourceWithMaxSize is NewLocalSource with an upper bound on
// which fixtures get loaded: a corpus directory seeded from a real
// mailbox export can contain the occasional multi-gigabyte attachment,
// which would otherwise make one APPEND dominate a session's whole run.
// maxBytes <= 0 means unlimited.
func NewLocalSourceWithMaxSize(dir string, maxBytes int64) (*LocalSource, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".eml" {
			return nil
		}
		if maxBytes > 0 {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > maxBytes {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corpus: walking %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("corpus: no .eml fixtures found under %s", dir)
	}
	sort.Strings(files)
	return &LocalSource{files: files}, nil
}

// Next returns the next fixture in round-robin order.
func (l *LocalSource) Next(ctx context.Context) (header, body []byte, err error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	l.mu.Lock()
	path := l.files[l.next%len(l.files)]
	l.next++
	l.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("corpus: reading %s: %w", path, err)
	}
	return splitMessage(raw)
}
