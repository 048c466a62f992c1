package logging

import "log/slog"

// Discard returns a Logger that drops everything. Intended for tests and for
// components that were handed a nil logger.
func Discard() Logger {
	return NewSlogLogger(slog.New(slog.DiscardHandler))
}
