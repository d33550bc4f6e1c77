package feed

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type PollConfig struct {
	Topic    Topic
	Interval time.Duration
	Page     any

	// Params, if set, is called before every fetch and its result laid over
	// the registered params.
	Params func() Params
}

// Poller refreshes one topic on a fixed interval. Fetch errors are logged and
// the next tick proceeds as usual.
type Poller struct {
	registry *Registry
	cfg      PollConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	log *zap.Logger
}

func NewPoller(registry *Registry, cfg PollConfig, opts ...Option) *Poller {
	o := newOptions(opts)

	return &Poller{
		registry: registry,
		cfg:      cfg,
		log:      o.log,
	}
}

// Run fetches once right away and then on every tick until ctx is done. It
// returns ErrInvalidInterval without fetching if the interval is not positive.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return errors.Wrapf(ErrInvalidInterval, "topic %q: %s", p.cfg.Topic, p.cfg.Interval)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			p.log.Error("poller stopped",
				zap.String("topic", string(p.cfg.Topic)),
				zap.Error(err),
			)
		}
	}(p.done)
}

// Stop cancels the poll loop and waits for an in-flight fetch to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (p *Poller) poll(ctx context.Context) {
	var updates Params
	if p.cfg.Params != nil {
		updates = p.cfg.Params()
	}

	err := p.registry.FetchAndPublish(ctx, p.cfg.Topic, p.cfg.Page, updates)
	if err != nil && ctx.Err() == nil {
		p.log.Warn("poll failed",
			zap.String("topic", string(p.cfg.Topic)),
			zap.Duration("interval", p.cfg.Interval),
			zap.Error(err),
		)
	}
}
