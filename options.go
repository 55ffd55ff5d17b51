package grpctx

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// defaultQueueCapacity bounds how many undispatched completions the queue
// buffers before posting producers block.
const defaultQueueCapacity = 4096

// contextOptions holds configuration for a [Context] instance.
type contextOptions struct {
	logger        *logiface.Logger[logiface.Event]
	queueCapacity int
}

// Option configures a [Context] instance. Options are applied during
// construction.
type Option interface {
	applyOption(*contextOptions) error
}

// optionImpl implements [Option] via a closure.
type optionImpl struct {
	fn func(*contextOptions) error
}

func (o *optionImpl) applyOption(opts *contextOptions) error {
	return o.fn(opts)
}

// WithLogger configures structured logging for the context. A nil logger
// (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{fn: func(opts *contextOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithCompletionQueueCapacity configures the completion queue's buffer. The
// capacity must be positive and should comfortably exceed the expected
// number of simultaneously outstanding tags.
func WithCompletionQueueCapacity(capacity int) Option {
	return &optionImpl{fn: func(opts *contextOptions) error {
		if capacity <= 0 {
			return errors.New("completion queue capacity must be positive")
		}
		opts.queueCapacity = capacity
		return nil
	}}
}

// resolveOptions applies the given options to a default [contextOptions].
func resolveOptions(opts []Option) (*contextOptions, error) {
	cfg := &contextOptions{queueCapacity: defaultQueueCapacity}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
