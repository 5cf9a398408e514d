package streamfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Writer appends events for one writer instance of a stream. Appended events
// become visible to readers on Flush or Close. A Writer is safe for concurrent
// use but a given writer id must only be opened once at a time.
type Writer struct {
	store  *Store
	cfg    StreamConfig
	writer uint32
	now    func() time.Time

	mu      sync.Mutex
	cur     FileID
	file    *os.File
	buf     *bufio.Writer
	idx     *os.File
	pos     int64
	seq     uint64
	maxTs   int64
	pending []indexEntry
	frame   []byte
	closed  bool
}

// OpenWriter returns a writer for writer instance id of the stream described
// by cfg. The stream directory must exist.
func (s *Store) OpenWriter(cfg StreamConfig, writer uint32) (*Writer, error) {
	cfg = cfg.WithDefaults()
	if !s.StreamExists(cfg.Name) {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, cfg.Name)
	}
	return &Writer{store: s, cfg: cfg, writer: writer, now: time.Now}, nil
}

// Append encodes ev into the current partition file, rolling to a new
// partition when ev's timestamp falls past the current partition window. A
// zero timestamp is replaced by the current time.
func (w *Writer) Append(ev Event) (Offset, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Offset{}, errors.New("streamfile: writer closed")
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = w.now().UnixMilli()
	}
	if w.file == nil || ev.Timestamp >= w.cur.PartitionEnd() {
		if err := w.roll(ev.Timestamp); err != nil {
			return Offset{}, err
		}
	}

	if w.seq > 0 && w.seq%uint64(w.cfg.IndexInterval) == 0 {
		w.pending = append(w.pending, indexEntry{MaxTs: w.maxTs, Pos: w.pos, Seq: w.seq})
	}
	var err error
	w.frame, err = encodeFrame(w.frame[:0], ev)
	if err != nil {
		return Offset{}, err
	}
	if _, err := w.buf.Write(w.frame); err != nil {
		return Offset{}, err
	}
	off := Offset{File: w.cur, Pos: w.pos, Seq: w.seq}
	w.pos += int64(len(w.frame))
	w.seq++
	if ev.Timestamp > w.maxTs {
		w.maxTs = ev.Timestamp
	}
	return off, nil
}

// Flush makes every appended event visible to readers.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := writeIndexEntries(w.idx, w.pending); err != nil {
		return err
	}
	w.pending = w.pending[:0]
	if w.store.sync {
		if err := w.file.Sync(); err != nil {
			return err
		}
		if err := w.idx.Sync(); err != nil {
			return err
		}
	}
	w.store.notifyAppend(w.cfg.Name)
	return nil
}

// Close flushes and closes the current files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeFileLocked()
}

func (w *Writer) closeFileLocked() error {
	if w.file == nil {
		return nil
	}
	err := w.flushLocked()
	err = errors.Join(err, w.file.Close(), w.idx.Close())
	w.file, w.idx, w.buf = nil, nil, nil
	return err
}

// roll closes the current file and opens the file of the partition ts belongs
// to. Partition windows never overlap: a new partition starts at or after the
// end of the latest existing one.
func (w *Writer) roll(ts int64) error {
	if err := w.closeFileLocked(); err != nil {
		return err
	}
	duration := w.cfg.PartitionDuration.Milliseconds()
	start := ts - ts%duration
	if ts < 0 && ts%duration != 0 {
		start -= duration
	}
	target := FileID{PartitionStart: start, PartitionDuration: duration, Writer: w.writer}

	latest, ok, err := w.store.latestPartition(w.cfg.Name)
	if err != nil {
		return err
	}
	if ok {
		switch {
		case ts < latest.PartitionEnd():
			// Late or current event: keep it in the newest partition.
			target = FileID{PartitionStart: latest.PartitionStart, PartitionDuration: latest.PartitionDuration, Writer: w.writer}
		case target.PartitionStart < latest.PartitionEnd():
			target.PartitionStart = latest.PartitionEnd()
		}
	}
	return w.openFile(target)
}

func (w *Writer) openFile(id FileID) error {
	if err := os.MkdirAll(w.store.partitionDir(w.cfg.Name, id), 0o755); err != nil {
		return err
	}
	path := w.store.eventPath(w.cfg.Name, w.cfg.FilePrefix, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	pos, seq, maxTs, err := recoverTail(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	idxPath := w.store.indexPath(w.cfg.Name, w.cfg.FilePrefix, id)
	if err := trimIndex(idxPath, pos); err != nil {
		f.Close()
		return err
	}
	idx, err := os.OpenFile(idxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		f.Close()
		return err
	}
	w.cur, w.file, w.idx = id, f, idx
	w.buf = bufio.NewWriterSize(f, 64<<10)
	w.pos, w.seq, w.maxTs = pos, seq, maxTs
	w.pending = w.pending[:0]
	return nil
}

// recoverTail scans an existing event file, truncates a torn or corrupt tail
// left by a crashed writer and returns the append position, the number of
// events and their largest timestamp.
func recoverTail(f *os.File) (pos int64, seq uint64, maxTs int64, err error) {
	r := &FileReader{f: f}
	for {
		ev, err := r.Next()
		if err != nil {
			if !errors.Is(err, ErrNoData) && !errors.Is(err, ErrCorrupt) {
				return 0, 0, 0, err
			}
			break
		}
		if ev.Timestamp > maxTs {
			maxTs = ev.Timestamp
		}
	}
	pos, seq = r.off.Pos, r.off.Seq
	if info, statErr := f.Stat(); statErr == nil && info.Size() > pos {
		if err := f.Truncate(pos); err != nil {
			return 0, 0, 0, err
		}
	}
	return pos, seq, maxTs, nil
}

// trimIndex drops index entries pointing past the recovered end of the event
// file.
func trimIndex(path string, end int64) error {
	entries, err := readIndex(path)
	if err != nil {
		return err
	}
	keep := len(entries)
	for keep > 0 && entries[keep-1].Pos > end {
		keep--
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if want := int64(keep * indexEntrySize); info.Size() != want {
		return os.Truncate(path, want)
	}
	return nil
}
