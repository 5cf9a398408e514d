// Package grpcserver hosts the flowstream gRPC endpoint. It serves the
// standard grpc.health.v1 service backed by the runtime health check.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7070")
package grpcserver
