package streamfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	logpkg "github.com/rzbill/flowstream/pkg/log"
)

var (
	// ErrStreamNotFound is returned for operations on a stream directory that
	// does not exist.
	ErrStreamNotFound = errors.New("streamfile: stream not found")
	// ErrNoData means the reader reached the last fully flushed event; more
	// may arrive later.
	ErrNoData = errors.New("streamfile: no more data yet")
)

// Options configures a Store.
type Options struct {
	// Root is the directory holding one sub-directory per stream.
	Root string
	// Sync forces an fsync of event and index files on every Flush.
	Sync   bool
	Logger logpkg.Logger
}

// Store owns the stream files under a root directory. It hands out writers and
// readers and broadcasts in-process append notifications so blocked polls can
// wake up early.
type Store struct {
	root   string
	sync   bool
	logger logpkg.Logger

	mu      sync.Mutex
	signals map[string]chan struct{}
}

// Open creates the root directory if needed.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("streamfile: Options.Root is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Store{
		root:    opts.Root,
		sync:    opts.Sync,
		logger:  logger.WithComponent("streamfile"),
		signals: make(map[string]chan struct{}),
	}, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

// CreateStream creates the stream directory. It is idempotent.
func (s *Store) CreateStream(name string) error {
	if name == "" {
		return errors.New("streamfile: empty stream name")
	}
	return os.MkdirAll(s.streamDir(name), 0o755)
}

// StreamExists reports whether the stream directory exists.
func (s *Store) StreamExists(name string) bool {
	info, err := os.Stat(s.streamDir(name))
	return err == nil && info.IsDir()
}

// StreamDir returns the directory of a stream.
func (s *Store) StreamDir(name string) string { return s.streamDir(name) }

// DropStream deletes every file of the stream.
func (s *Store) DropStream(name string) error {
	if !s.StreamExists(name) {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	return os.RemoveAll(s.streamDir(name))
}

// AppendSignal returns a channel closed by the next flush of any writer of
// stream. Take the signal before checking for data to avoid missing a wakeup.
func (s *Store) AppendSignal(stream string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.signals[stream]
	if !ok {
		ch = make(chan struct{})
		s.signals[stream] = ch
	}
	return ch
}

// WaitForAppend blocks until a writer of stream flushes, the timeout elapses
// or ctx is done. It returns true if woken by a flush.
func (s *Store) WaitForAppend(ctx context.Context, stream string, timeout time.Duration) bool {
	return waitSignal(ctx, s.AppendSignal(stream), timeout)
}

func waitSignal(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Store) notifyAppend(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.signals[stream]; ok {
		close(ch)
		delete(s.signals, stream)
	}
}

// OpenFileReader opens a reader positioned at start.
func (s *Store) OpenFileReader(stream, prefix string, start Offset) (*FileReader, error) {
	f, err := os.Open(s.eventPath(stream, prefix, start.File))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s file %s", ErrStreamNotFound, stream, start.File)
		}
		return nil, err
	}
	return &FileReader{f: f, off: start}, nil
}

// latestPartition returns the newest partition of the stream across all
// writers.
func (s *Store) latestPartition(stream string) (FileID, bool, error) {
	entries, err := os.ReadDir(s.streamDir(stream))
	if err != nil {
		return FileID{}, false, err
	}
	var latest FileID
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		start, duration, ok := parsePartitionDirName(e.Name())
		if !ok {
			continue
		}
		if !found || start > latest.PartitionStart {
			latest = FileID{PartitionStart: start, PartitionDuration: duration}
			found = true
		}
	}
	return latest, found, nil
}
