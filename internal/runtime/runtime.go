package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cfgpkg "github.com/rzbill/flowstream/internal/config"
	"github.com/rzbill/flowstream/internal/consumer"
	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/consumer/state/pebblestate"
	"github.com/rzbill/flowstream/internal/consumer/state/sqlitestate"
	"github.com/rzbill/flowstream/internal/eventlog"
	pebblestore "github.com/rzbill/flowstream/internal/storage/pebble"
	"github.com/rzbill/flowstream/internal/streamadmin"
	"github.com/rzbill/flowstream/internal/streamfile"
	"github.com/rzbill/flowstream/internal/telemetry"
	"github.com/rzbill/flowstream/internal/tx"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Metrics is created when nil.
	Metrics *telemetry.Metrics
	// TxSystem defaults to an in-process tx.Manager.
	TxSystem tx.System
}

// Runtime wires storage, config, and facades for a single-node instance.
type Runtime struct {
	config  cfgpkg.Config
	logger  logpkg.Logger
	metrics *telemetry.Metrics

	db      *pebblestore.DB
	files   *streamfile.Store
	state   state.Store
	admin   *streamadmin.Admin
	factory *consumer.Factory
	txs     tx.System

	mu     sync.Mutex
	legacy map[string]*eventlog.Log
}

// FsyncMode maps the configured fsync name to the pebble mode.
func FsyncMode(name string) (pebblestore.FsyncMode, error) {
	switch name {
	case "always", "":
		return pebblestore.FsyncModeAlways, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	}
	return 0, fmt.Errorf("unknown fsync mode %q", name)
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fsync, err := FsyncMode(cfg.Fsync)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(cfg.DataDir, "pebble"),
		Fsync:   fsync,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{config: cfg, logger: logger, metrics: metrics, db: db, legacy: map[string]*eventlog.Log{}}

	rt.files, err = streamfile.Open(streamfile.Options{
		Root:   filepath.Join(cfg.DataDir, "streams"),
		Sync:   fsync == pebblestore.FsyncModeAlways,
		Logger: logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rt.state, err = openState(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rt.admin = streamadmin.New(streamadmin.Options{
		Files:  rt.files,
		State:  rt.state,
		Logger: logger,
		Defaults: streamfile.StreamConfig{
			TTL:               cfg.Stream.TTL.Std(),
			PartitionDuration: cfg.Stream.PartitionDuration.Std(),
			FilePrefix:        cfg.Stream.FilePrefix,
			IndexInterval:     cfg.Stream.IndexInterval,
		},
		Metrics: metrics,
		OnDrop:  rt.dropLegacy,
	})
	rt.factory = consumer.NewFactory(consumer.FactoryOptions{
		Files:   rt.files,
		Configs: rt.admin,
		State:   rt.state,
		Logger:  logger,
		Metrics: metrics,
	})
	rt.txs = opts.TxSystem
	if rt.txs == nil {
		rt.txs = tx.NewManager()
	}
	logger.Info("runtime opened",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("state_backend", cfg.State.Backend),
		logpkg.Str("fsync", cfg.Fsync))
	return rt, nil
}

func openState(cfg cfgpkg.Config, db *pebblestore.DB, logger logpkg.Logger) (state.Store, error) {
	opts := state.Options{CacheSize: cfg.State.CacheSize, Logger: logger}
	var b state.Backend
	switch cfg.State.Backend {
	case "pebble":
		b = pebblestate.New(db)
	case "sqlite":
		sb, err := sqlitestate.Open(cfg.SQLitePath(), cfg.State.BusyTimeoutMS)
		if err != nil {
			return nil, err
		}
		b = sb
	case "memory":
		b = state.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
	return state.New(b, opts)
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.state != nil {
		errs = append(errs, r.state.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	if err := it.Close(); err != nil {
		return err
	}
	if _, err := r.state.Groups(ctx, "health"); err != nil {
		return fmt.Errorf("consumer state: %w", err)
	}
	return nil
}

// OpenLegacyLog returns the pre-file event log of stream. Logs are cached
// since each keeps its own append signal.
func (r *Runtime) OpenLegacyLog(stream string) (*eventlog.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.legacy[stream]; ok {
		return l, nil
	}
	l, err := eventlog.OpenLog(r.db, stream)
	if err != nil {
		return nil, err
	}
	r.legacy[stream] = l
	return l, nil
}

func (r *Runtime) dropLegacy(ctx context.Context, stream string) error {
	l, err := r.OpenLegacyLog(stream)
	if err != nil {
		return err
	}
	if err := l.Drop(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.legacy, stream)
	r.mu.Unlock()
	return nil
}

// OpenWriter opens writer instance id of stream.
func (r *Runtime) OpenWriter(ctx context.Context, stream string, id uint32) (*streamfile.Writer, error) {
	cfg, err := r.admin.GetConfig(ctx, stream)
	if err != nil {
		return nil, err
	}
	return r.files.OpenWriter(cfg, id)
}

// OpenConsumer returns a consumer of stream. When the stream still has
// legacy entries the consumer drains them first.
func (r *Runtime) OpenConsumer(ctx context.Context, stream string, cfg consumer.Config) (consumer.Poller, error) {
	l, err := r.OpenLegacyLog(stream)
	if err != nil {
		return nil, err
	}
	if l.LastSeq() == 0 {
		return r.factory.Create(ctx, stream, cfg)
	}
	return r.factory.CreateBridge(ctx, stream, l, cfg)
}

// NewTxContext returns a transaction context over participants.
func (r *Runtime) NewTxContext(participants ...tx.Aware) *tx.Context {
	return tx.NewContext(r.txs, participants...)
}

func (r *Runtime) Admin() *streamadmin.Admin   { return r.admin }
func (r *Runtime) Factory() *consumer.Factory  { return r.factory }
func (r *Runtime) Files() *streamfile.Store    { return r.files }
func (r *Runtime) State() state.Store          { return r.state }
func (r *Runtime) Metrics() *telemetry.Metrics { return r.metrics }
func (r *Runtime) Logger() logpkg.Logger       { return r.logger }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
