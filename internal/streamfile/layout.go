package streamfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Layout on disk:
//
//	{root}/{stream}/config.json
//	{root}/{stream}/{startMs}.{durationMs}/{prefix}.{writer}.00000.dat
//	{root}/{stream}/{startMs}.{durationMs}/{prefix}.{writer}.00000.idx

const (
	eventSuffix = ".dat"
	indexSuffix = ".idx"
	fileSeqPart = ".00000"
)

// StreamConfig is the stream entity. Once events are written, TTL and
// PartitionDuration changes only apply to partitions created afterwards.
type StreamConfig struct {
	Name              string        `json:"name"`
	TTL               time.Duration `json:"ttl"` // 0 means events never expire
	PartitionDuration time.Duration `json:"partitionDuration"`
	FilePrefix        string        `json:"filePrefix"`
	// IndexInterval is the number of events between two timestamp index entries.
	IndexInterval int `json:"indexInterval"`
	FormatVersion int `json:"formatVersion"`
}

// Defaults used when a StreamConfig leaves fields unset.
const (
	DefaultPartitionDuration = time.Hour
	DefaultFilePrefix        = "file"
	DefaultIndexInterval     = 64
	CurrentFormatVersion     = 1
)

// WithDefaults fills zero fields.
func (c StreamConfig) WithDefaults() StreamConfig {
	if c.PartitionDuration <= 0 {
		c.PartitionDuration = DefaultPartitionDuration
	}
	if c.FilePrefix == "" {
		c.FilePrefix = DefaultFilePrefix
	}
	if c.IndexInterval <= 0 {
		c.IndexInterval = DefaultIndexInterval
	}
	if c.FormatVersion == 0 {
		c.FormatVersion = CurrentFormatVersion
	}
	return c
}

func partitionDirName(start, duration int64) string {
	return strconv.FormatInt(start, 10) + "." + strconv.FormatInt(duration, 10)
}

func parsePartitionDirName(name string) (start, duration int64, ok bool) {
	s, d, found := strings.Cut(name, ".")
	if !found {
		return 0, 0, false
	}
	start, err1 := strconv.ParseInt(s, 10, 64)
	duration, err2 := strconv.ParseInt(d, 10, 64)
	if err1 != nil || err2 != nil || duration <= 0 {
		return 0, 0, false
	}
	return start, duration, true
}

func fileBaseName(prefix string, writer uint32) string {
	return prefix + "." + strconv.FormatUint(uint64(writer), 10) + fileSeqPart
}

func (s *Store) streamDir(stream string) string { return filepath.Join(s.root, stream) }

func (s *Store) partitionDir(stream string, f FileID) string {
	return filepath.Join(s.streamDir(stream), partitionDirName(f.PartitionStart, f.PartitionDuration))
}

func (s *Store) eventPath(stream, prefix string, f FileID) string {
	return filepath.Join(s.partitionDir(stream, f), fileBaseName(prefix, f.Writer)+eventSuffix)
}

func (s *Store) indexPath(stream, prefix string, f FileID) string {
	return filepath.Join(s.partitionDir(stream, f), fileBaseName(prefix, f.Writer)+indexSuffix)
}

// ListFiles returns every event file of the stream in offset order.
func (s *Store) ListFiles(stream, prefix string) ([]FileID, error) {
	entries, err := os.ReadDir(s.streamDir(stream))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
		}
		return nil, err
	}
	var files []FileID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		start, duration, ok := parsePartitionDirName(e.Name())
		if !ok {
			continue
		}
		inner, err := os.ReadDir(filepath.Join(s.streamDir(stream), e.Name()))
		if err != nil {
			return nil, err
		}
		for _, fe := range inner {
			name := fe.Name()
			if fe.IsDir() || !strings.HasPrefix(name, prefix+".") || !strings.HasSuffix(name, fileSeqPart+eventSuffix) {
				continue
			}
			w := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"."), fileSeqPart+eventSuffix)
			id, err := strconv.ParseUint(w, 10, 32)
			if err != nil {
				continue
			}
			files = append(files, FileID{PartitionStart: start, PartitionDuration: duration, Writer: uint32(id)})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Compare(files[j]) < 0 })
	return files, nil
}
