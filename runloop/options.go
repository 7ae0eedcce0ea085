package runloop

import (
	"io"
	"log/slog"
)

type options struct {
	name   string
	logger *slog.Logger
}

// Option configures a [Loop] or a [Scheduler].
type Option func(*options)

// WithName names the loop in log records.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func applyOptions(opts []Option) options {
	o := options{logger: discardLogger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
