package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/eventlog"
	"github.com/rzbill/flowstream/internal/readfilter"
	"github.com/rzbill/flowstream/internal/streamfile"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

// ConfigSource resolves stream configurations.
type ConfigSource interface {
	GetConfig(ctx context.Context, stream string) (streamfile.StreamConfig, error)
}

// FactoryOptions wires a Factory.
type FactoryOptions struct {
	Files   *streamfile.Store
	Configs ConfigSource
	State   state.Store
	// Clock drives TTL expiry and the now_ms filter variable. Defaults to the
	// system clock.
	Clock   readfilter.Clock
	Logger  logpkg.Logger
	Metrics Metrics
}

// Factory creates consumers.
type Factory struct {
	opts   FactoryOptions
	logger logpkg.Logger
}

// NewFactory returns a Factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Clock == nil {
		opts.Clock = readfilter.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	return &Factory{opts: opts, logger: opts.Logger.WithComponent("consumer")}
}

// Create returns consumer cfg.Instance of group cfg.Group over stream. The
// group is created with the declared shape if it does not exist.
func (f *Factory) Create(ctx context.Context, stream string, cfg Config) (*Consumer, error) {
	cfg, gs, err := f.resolveGroup(ctx, stream, cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := f.opts.Configs.GetConfig(ctx, stream)
	if err != nil {
		return nil, err
	}
	scfg = scfg.WithDefaults()

	cel, err := readfilter.CEL(cfg.Filter, f.opts.Clock)
	if err != nil {
		return nil, err
	}
	committed, err := f.opts.State.InstanceState(ctx, stream, cfg.Group, gs.Generation, cfg.Instance)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		stream:    stream,
		cfg:       cfg,
		scfg:      scfg,
		group:     gs,
		files:     f.opts.Files,
		st:        f.opts.State,
		owner:     Owner(gs),
		ttl:       readfilter.TTL(scfg.TTL, f.opts.Clock),
		cel:       cel,
		metrics:   f.opts.Metrics,
		committed: committed,
		pending:   state.Cursors{},
		readers:   map[streamfile.FileID]*streamfile.FileReader{},
		logger: f.logger.With(
			logpkg.Str("stream", stream),
			logpkg.Str("group", cfg.Group),
			logpkg.Int("instance", cfg.Instance),
			logpkg.Uint64("generation", gs.Generation)),
	}
	c.logger.Debug("consumer created", logpkg.Int("files_with_cursor", len(committed)))
	return c, nil
}

// resolveGroup validates cfg and returns the stored group, creating it with
// the declared shape when cfg.Instances is set.
func (f *Factory) resolveGroup(ctx context.Context, stream string, cfg Config) (Config, state.GroupState, error) {
	if err := cfg.validate(); err != nil {
		return cfg, state.GroupState{}, err
	}
	cfg.Strategy, _ = state.ParseStrategy(string(cfg.Strategy))
	if _, err := f.opts.Configs.GetConfig(ctx, stream); err != nil {
		return cfg, state.GroupState{}, err
	}

	var (
		gs  state.GroupState
		err error
	)
	if cfg.Instances > 0 {
		gs, err = f.opts.State.EnsureGroup(ctx, stream, cfg.Group, cfg.groupConfig())
	} else {
		gs, err = f.opts.State.GroupState(ctx, stream, cfg.Group)
	}
	if err != nil {
		return cfg, state.GroupState{}, err
	}
	if cfg.Instance >= gs.Instances {
		return cfg, state.GroupState{}, fmt.Errorf("%w: instance %d of %d in %s/%s", ErrInstanceOutOfRange, cfg.Instance, gs.Instances, stream, cfg.Group)
	}
	if cfg.Instances > 0 && (cfg.Instances != gs.Instances || cfg.Strategy != gs.Strategy) {
		f.logger.Warn("consumer config differs from stored group, using stored group",
			logpkg.Str("stream", stream),
			logpkg.Str("group", cfg.Group),
			logpkg.Int("declared_instances", cfg.Instances),
			logpkg.Int("instances", gs.Instances))
	}
	return cfg, gs, nil
}

// CreateBridge returns a consumer that drains the legacy log of stream before
// switching to the stream files.
func (f *Factory) CreateBridge(ctx context.Context, stream string, legacy *eventlog.Log, cfg Config) (*Bridge, error) {
	if legacy == nil {
		return nil, errors.New("consumer: nil legacy log")
	}
	next, err := f.Create(ctx, stream, cfg)
	if err != nil {
		return nil, err
	}
	old, err := f.newLegacy(ctx, stream, legacy, cfg.Group, next.group, cfg.Instance)
	if err != nil {
		_ = next.Close()
		return nil, err
	}
	return NewBridge(old, next), nil
}
