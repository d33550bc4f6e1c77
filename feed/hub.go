package feed

// Hub is the pull and push halves of a feed sharing one subscriber table.
// Controllers build one Hub and hand it to the components that need it.
type Hub struct {
	*Registry
	*ChannelManager

	opts []Option
}

func New(fetcher Fetcher, dialer Dialer, opts ...Option) *Hub {
	registry := NewRegistry(fetcher, opts...)

	return &Hub{
		Registry:       registry,
		ChannelManager: NewChannelManager(dialer, registry, opts...),
		opts:           opts,
	}
}

// NewPoller returns a Poller for cfg that logs through the hub's logger.
func (h *Hub) NewPoller(cfg PollConfig) *Poller {
	return NewPoller(h.Registry, cfg, h.opts...)
}
