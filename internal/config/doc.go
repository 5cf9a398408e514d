// Package config loads flowstream configuration. Default() gives a baseline,
// Load reads a JSON or TOML file over it and FromEnv overlays FLOWSTREAM_*
// variables.
//
// Example:
//
//	cfg, err := config.Load("/etc/flowstream.toml")
//	if err != nil { ... }
//	config.FromEnv(&cfg)
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
