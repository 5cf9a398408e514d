package serverrun

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/flowstream/internal/config"
	"github.com/rzbill/flowstream/internal/runtime"
	grpcserver "github.com/rzbill/flowstream/internal/server/grpc"
	httpserver "github.com/rzbill/flowstream/internal/server/http"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// GRPCListener and HTTPListener override the configured addresses.
	GRPCListener net.Listener
	HTTPListener net.Listener
	// Ready, when set, is called once the runtime is open and the servers
	// are starting.
	Ready func(rt *runtime.Runtime)
}

// Run opens the runtime, starts the gRPC and HTTP servers and blocks until
// ctx is cancelled or a server fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	logger.Info("Starting flowstream server",
		logpkg.Str("grpc", cfg.GRPC.Addr),
		logpkg.Str("http", cfg.Metrics.Addr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("state_backend", cfg.State.Backend),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	gsrv := grpcserver.New(rt)
	var hsrv *httpserver.Server
	if cfg.Metrics.Addr != "" || opts.HTTPListener != nil {
		hsrv = httpserver.New(rt, logger)
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if opts.GRPCListener != nil {
			err = gsrv.Serve(sctx, opts.GRPCListener)
		} else {
			err = gsrv.ListenAndServe(sctx, cfg.GRPC.Addr)
		}
		if err != nil && sctx.Err() == nil {
			logger.Error("grpc server failed", logpkg.Err(err))
			errCh <- err
		}
	}()
	if hsrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if opts.HTTPListener != nil {
				err = hsrv.Serve(sctx, opts.HTTPListener)
			} else {
				err = hsrv.ListenAndServe(sctx, cfg.Metrics.Addr)
			}
			if err != nil && sctx.Err() == nil {
				logger.Error("http server failed", logpkg.Err(err))
				errCh <- err
			}
		}()
	}
	if opts.Ready != nil {
		opts.Ready(rt)
	}

	var runErr error
	select {
	case <-sctx.Done():
	case runErr = <-errCh:
	}
	// Stop the servers before the deferred runtime close.
	stop()
	gsrv.Close()
	if hsrv != nil {
		hsrv.Close()
	}
	wg.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	logger.Info("flowstream server stopped")
	return runErr
}
