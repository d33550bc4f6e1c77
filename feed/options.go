package feed

import (
	"go.uber.org/zap"
)

type options struct {
	log     *zap.Logger
	metrics *Metrics
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records deliveries, failures and reconnects on m. A nil m
// disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(opts []Option) options {
	o := options{
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
