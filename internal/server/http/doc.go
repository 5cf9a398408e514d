// Package httpserver serves the operational HTTP surface of flowstream:
// health, Prometheus metrics and JSON endpoints for stream administration.
// Consumers do not go through HTTP; they embed the engine.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9464")
package httpserver
