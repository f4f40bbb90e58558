package boundary

import "log/slog"

type options struct {
	logger *slog.Logger
}

var defaultOptions = options{
	logger: slog.Default(),
}

// Option configures the Handler.
type Option interface {
	apply(*options)
}

// funcOption wraps a function that modifies options into an implementation of
// the Option interface.
type funcOption func(*options)

func (f funcOption) apply(o *options) { f(o) }

// WithLogger returns an Option that sets the logger for the handler.
func WithLogger(l *slog.Logger) Option {
	return funcOption(func(o *options) { o.logger = l })
}
