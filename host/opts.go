package host

import "log/slog"

type clientOptions struct {
	logger *slog.Logger
	// maxRequestSize is the largest request, excluding the terminator, that
	// is written into the plugin's memory.
	maxRequestSize int
}

var defaultClientOptions = clientOptions{
	logger:         slog.Default(),
	maxRequestSize: 1 << 20,
}

// ClientOption configures the client.
type ClientOption interface {
	applyClient(*clientOptions)
}

// funcClientOption wraps a function that modifies clientOptions into an
// implementation of the ClientOption interface.
type funcClientOption func(*clientOptions)

func (f funcClientOption) applyClient(o *clientOptions) { f(o) }

// WithLogger returns a ClientOption that sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return funcClientOption(func(o *clientOptions) { o.logger = l })
}

// WithMaxRequestSize limits the size of requests sent to the plugin. Larger
// requests are rejected with ErrRequestTooLarge before touching the plugin.
func WithMaxRequestSize(size int) ClientOption {
	return funcClientOption(func(o *clientOptions) { o.maxRequestSize = size })
}
