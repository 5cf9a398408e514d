// Package log provides flowstream's structured logging facade.
//
// The Logger interface exposes leveled methods taking Field values. It is
// backed by log/slog through a bridge handler that feeds our own formatter and
// outputs, so entries look the same whether they come from our code or from a
// library writing to slog or the standard logger.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("consumer"), log.Str("stream", "orders"))
//	l.Info("poll", log.Int("events", 10))
//
// ApplyConfig builds a logger from a declarative Config. RedirectStdLog routes
// the standard library logger (used by Pebble) into a Logger.
package log
