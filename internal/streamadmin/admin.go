package streamadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/streamfile"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

const configFile = "config.json"

var (
	// ErrStreamNotFound aliases the streamfile sentinel so callers can test
	// either.
	ErrStreamNotFound = streamfile.ErrStreamNotFound
	ErrStreamExists   = errors.New("streamadmin: stream already exists")
	ErrInvalidConfig  = errors.New("streamadmin: invalid stream config")
)

// Metrics observes administrative changes.
type Metrics interface {
	ObserveReconfigure(stream, group string, instances int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveReconfigure(string, string, int) {}

// DropHook is called when a stream is dropped, after its groups were cleared
// and before its files are removed.
type DropHook func(ctx context.Context, stream string) error

// Options wires an Admin.
type Options struct {
	Files *streamfile.Store
	State state.Store
	// Defaults fill fields a created stream leaves unset.
	Defaults streamfile.StreamConfig
	Logger   logpkg.Logger
	Metrics  Metrics
	OnDrop   DropHook
}

// Admin creates, updates and drops streams and reshapes consumer groups.
type Admin struct {
	files    *streamfile.Store
	st       state.Store
	defaults streamfile.StreamConfig
	logger   logpkg.Logger
	metrics  Metrics
	onDrop   DropHook

	mu      sync.RWMutex
	configs map[string]streamfile.StreamConfig
}

// New returns an Admin.
func New(opts Options) *Admin {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Admin{
		files:    opts.Files,
		st:       opts.State,
		defaults: opts.Defaults,
		logger:   opts.Logger.WithComponent("streamadmin"),
		metrics:  opts.Metrics,
		onDrop:   opts.OnDrop,
		configs:  map[string]streamfile.StreamConfig{},
	}
}

func (a *Admin) withDefaults(cfg streamfile.StreamConfig) streamfile.StreamConfig {
	if cfg.TTL == 0 {
		cfg.TTL = a.defaults.TTL
	}
	if cfg.PartitionDuration == 0 {
		cfg.PartitionDuration = a.defaults.PartitionDuration
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = a.defaults.FilePrefix
	}
	if cfg.IndexInterval == 0 {
		cfg.IndexInterval = a.defaults.IndexInterval
	}
	return cfg.WithDefaults()
}

func validate(cfg streamfile.StreamConfig) error {
	switch {
	case cfg.Name == "" || cfg.Name == "." || cfg.Name == "..":
		return fmt.Errorf("%w: bad name %q", ErrInvalidConfig, cfg.Name)
	case filepath.Base(cfg.Name) != cfg.Name:
		return fmt.Errorf("%w: name %q contains a path separator", ErrInvalidConfig, cfg.Name)
	case cfg.TTL < 0:
		return fmt.Errorf("%w: negative ttl", ErrInvalidConfig)
	case cfg.FormatVersion > streamfile.CurrentFormatVersion:
		return fmt.Errorf("%w: unsupported format version %d", ErrInvalidConfig, cfg.FormatVersion)
	}
	return nil
}

// Create creates the stream directory and writes its configuration.
func (a *Admin) Create(ctx context.Context, cfg streamfile.StreamConfig) error {
	cfg = a.withDefaults(cfg)
	if err := validate(cfg); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := os.Stat(a.configPath(cfg.Name)); err == nil {
		return fmt.Errorf("%w: %s", ErrStreamExists, cfg.Name)
	}
	if err := a.files.CreateStream(cfg.Name); err != nil {
		return err
	}
	if err := a.writeConfig(cfg); err != nil {
		return err
	}
	a.configs[cfg.Name] = cfg
	a.logger.Info("stream created",
		logpkg.Str("stream", cfg.Name),
		logpkg.Str("ttl", cfg.TTL.String()),
		logpkg.Str("partition_duration", cfg.PartitionDuration.String()))
	return nil
}

// GetConfig returns the configuration of a stream.
func (a *Admin) GetConfig(_ context.Context, name string) (streamfile.StreamConfig, error) {
	a.mu.RLock()
	cfg, ok := a.configs[name]
	a.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked(name)
}

func (a *Admin) loadLocked(name string) (streamfile.StreamConfig, error) {
	if cfg, ok := a.configs[name]; ok {
		return cfg, nil
	}
	if name == "" || filepath.Base(name) != name {
		return streamfile.StreamConfig{}, fmt.Errorf("%w: %q", ErrStreamNotFound, name)
	}
	b, err := os.ReadFile(a.configPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return streamfile.StreamConfig{}, fmt.Errorf("%w: %s", ErrStreamNotFound, name)
		}
		return streamfile.StreamConfig{}, err
	}
	var cfg streamfile.StreamConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return streamfile.StreamConfig{}, fmt.Errorf("decode %s config: %w", name, err)
	}
	cfg.Name = name
	cfg = cfg.WithDefaults()
	a.configs[name] = cfg
	return cfg, nil
}

// UpdateConfig replaces the mutable part of a stream's configuration: TTL,
// partition duration and index interval. New partitions use the new duration;
// existing files keep theirs.
func (a *Admin) UpdateConfig(ctx context.Context, cfg streamfile.StreamConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := a.loadLocked(cfg.Name)
	if err != nil {
		return err
	}
	if cfg.FilePrefix != "" && cfg.FilePrefix != cur.FilePrefix {
		return fmt.Errorf("%w: file prefix of %s cannot change", ErrInvalidConfig, cfg.Name)
	}
	if cfg.FormatVersion != 0 && cfg.FormatVersion != cur.FormatVersion {
		return fmt.Errorf("%w: format version of %s cannot change", ErrInvalidConfig, cfg.Name)
	}
	next := cur
	next.TTL = cfg.TTL
	if cfg.PartitionDuration > 0 {
		next.PartitionDuration = cfg.PartitionDuration
	}
	if cfg.IndexInterval > 0 {
		next.IndexInterval = cfg.IndexInterval
	}
	if err := validate(next); err != nil {
		return err
	}
	if err := a.writeConfig(next); err != nil {
		return err
	}
	a.configs[next.Name] = next
	a.logger.Info("stream config updated", logpkg.Str("stream", next.Name), logpkg.Str("ttl", next.TTL.String()))
	return nil
}

// ConfigureInstances sets the instance count of one group, keeping its
// strategy. A missing group is created as FIFO.
func (a *Admin) ConfigureInstances(ctx context.Context, stream, group string, instances int) (state.GroupState, error) {
	if _, err := a.GetConfig(ctx, stream); err != nil {
		return state.GroupState{}, err
	}
	cfg := state.GroupConfig{Instances: instances, Strategy: state.FIFO}
	cur, err := a.st.GroupState(ctx, stream, group)
	switch {
	case err == nil:
		cfg.Strategy, cfg.HashKey = cur.Strategy, cur.HashKey
	case !errors.Is(err, state.ErrGroupNotFound):
		return state.GroupState{}, err
	}
	return a.reconfigure(ctx, stream, group, cfg)
}

// ConfigureGroup sets the full shape of one group.
func (a *Admin) ConfigureGroup(ctx context.Context, stream, group string, cfg state.GroupConfig) (state.GroupState, error) {
	if _, err := a.GetConfig(ctx, stream); err != nil {
		return state.GroupState{}, err
	}
	return a.reconfigure(ctx, stream, group, cfg)
}

func (a *Admin) reconfigure(ctx context.Context, stream, group string, cfg state.GroupConfig) (state.GroupState, error) {
	gs, err := a.st.Reconfigure(ctx, stream, group, cfg)
	if err != nil {
		return state.GroupState{}, err
	}
	a.metrics.ObserveReconfigure(stream, group, gs.Instances)
	return gs, nil
}

// ConfigureGroups makes the groups of stream match groups, a map from group
// name to instance count. Listed groups are reconfigured only when their
// instance count changes; groups not listed are dropped.
func (a *Admin) ConfigureGroups(ctx context.Context, stream string, groups map[string]int) error {
	if _, err := a.GetConfig(ctx, stream); err != nil {
		return err
	}
	existing, err := a.st.Groups(ctx, stream)
	if err != nil {
		return err
	}
	for _, g := range existing {
		if _, keep := groups[g]; keep {
			continue
		}
		if err := a.st.ClearGroup(ctx, stream, g); err != nil {
			return fmt.Errorf("drop group %s: %w", g, err)
		}
		a.logger.Info("consumer group dropped", logpkg.Str("stream", stream), logpkg.Str("group", g))
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	for _, g := range names {
		n := groups[g]
		cur, err := a.st.GroupState(ctx, stream, g)
		if err == nil && cur.Instances == n {
			continue
		}
		if err != nil && !errors.Is(err, state.ErrGroupNotFound) {
			return err
		}
		if _, err := a.ConfigureInstances(ctx, stream, g, n); err != nil {
			return fmt.Errorf("configure group %s: %w", g, err)
		}
	}
	return nil
}

// Groups returns the state of every group of stream keyed by group name.
func (a *Admin) Groups(ctx context.Context, stream string) (map[string]state.GroupState, error) {
	if _, err := a.GetConfig(ctx, stream); err != nil {
		return nil, err
	}
	names, err := a.st.Groups(ctx, stream)
	if err != nil {
		return nil, err
	}
	out := make(map[string]state.GroupState, len(names))
	for _, g := range names {
		gs, err := a.st.GroupState(ctx, stream, g)
		if err != nil {
			return nil, err
		}
		out[g] = gs
	}
	return out, nil
}

// Drop clears every group of the stream and deletes its files and
// configuration.
func (a *Admin) Drop(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.loadLocked(name); err != nil {
		return err
	}
	groups, err := a.st.Groups(ctx, name)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := a.st.ClearGroup(ctx, name, g); err != nil {
			return fmt.Errorf("clear group %s: %w", g, err)
		}
	}
	if a.onDrop != nil {
		if err := a.onDrop(ctx, name); err != nil {
			return err
		}
	}
	delete(a.configs, name)
	if err := a.files.DropStream(name); err != nil {
		return err
	}
	a.logger.Info("stream dropped", logpkg.Str("stream", name), logpkg.Int("groups", len(groups)))
	return nil
}

// DropAll drops every stream. It keeps going past a failed stream and returns
// the joined errors.
func (a *Admin) DropAll(ctx context.Context) error {
	names, err := a.Streams()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if err := a.Drop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Streams lists the names of streams with a configuration.
func (a *Admin) Streams() ([]string, error) {
	entries, err := os.ReadDir(a.files.Root())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(a.configPath(e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (a *Admin) configPath(name string) string {
	return filepath.Join(a.files.StreamDir(name), configFile)
}

// writeConfig replaces config.json atomically.
func (a *Admin) writeConfig(cfg streamfile.StreamConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := a.configPath(cfg.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
