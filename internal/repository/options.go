package store

import (
	"time"

	"github.com/xiaot623/botchat/internal/metrics"
)

type options struct {
	maxRetries int
	backoff    time.Duration
	keyPrefix  string
	metrics    *metrics.Metrics
}

// Option tunes a store backend.
type Option func(*options)

func defaultOptions() options {
	return options{
		maxRetries: 8,
		backoff:    5 * time.Millisecond,
		keyPrefix:  "botchat:",
	}
}

// WithMaxRetries bounds the retries of a conflicting write.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithBackoff sets the base delay between retries.
func WithBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithKeyPrefix namespaces redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithMetrics records retries on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
