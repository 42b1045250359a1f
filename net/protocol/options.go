package protocol

import (
	"go.uber.org/zap"
)

// DefaultMaxSockets is a conservative ceiling; raise it via WithMaxSockets
// when the process rlimit allows.
const DefaultMaxSockets = 1024

// Options 反应堆配置
type Options struct {
	// NoDelay disables Nagle coalescing on newly accepted and newly
	// connected TCP sockets.
	NoDelay bool

	// MaxSockets bounds socket-table occupancy.
	MaxSockets int

	// Logger receives swallowed internal errors (poller failures, callback
	// panics, close errors). Defaults to a nop logger.
	Logger *zap.SugaredLogger
}

// Option ...
type Option func(*Options)

func NewOptions(opt ...Option) *Options {
	opts := Options{}

	for _, o := range opt {
		o(&opts)
	}

	if opts.MaxSockets <= 0 {
		opts.MaxSockets = DefaultMaxSockets
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	return &opts
}

// WithNoDelay 设置 TCP_NODELAY
func WithNoDelay(noDelay bool) Option {
	return func(o *Options) {
		o.NoDelay = noDelay
	}
}

// WithMaxSockets 最大socket数量
func WithMaxSockets(n int) Option {
	return func(o *Options) {
		o.MaxSockets = n
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
