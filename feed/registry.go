package feed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Ensure type Registry implements interface Publisher.
var _ Publisher = (*Registry)(nil)

// Registry maps topics to datasets and to the subscribers interested in them.
type Registry struct {
	mu       sync.RWMutex
	mappings map[Topic]DatasetDescriptor

	subs    *subscriberTable
	fetcher Fetcher

	log     *zap.Logger
	metrics *Metrics
}

func NewRegistry(fetcher Fetcher, opts ...Option) *Registry {
	o := newOptions(opts)

	return &Registry{
		mappings: make(map[Topic]DatasetDescriptor),
		subs:     newSubscriberTable(o.log, o.metrics),
		fetcher:  fetcher,
		log:      o.log,
		metrics:  o.metrics,
	}
}

// RegisterMapping binds topic to desc, replacing any previous binding. The
// registry keeps its own copy of desc.Params.
func (r *Registry) RegisterMapping(topic Topic, desc DatasetDescriptor) (Topic, DatasetDescriptor) {
	stored := DatasetDescriptor{
		Name:   desc.Name,
		Params: desc.Params.clone(),
	}

	r.mu.Lock()
	r.mappings[topic] = stored
	r.mu.Unlock()

	r.log.Debug("mapping registered",
		zap.String("topic", string(topic)),
		zap.String("dataset", desc.Name),
	)

	return topic, desc
}

func (r *Registry) UnregisterMapping(topic Topic) {
	r.mu.Lock()
	delete(r.mappings, topic)
	r.mu.Unlock()
}

// Mapping returns a copy of the descriptor bound to topic.
func (r *Registry) Mapping(topic Topic) (DatasetDescriptor, bool) {
	r.mu.RLock()
	desc, exists := r.mappings[topic]
	r.mu.RUnlock()

	if !exists {
		return DatasetDescriptor{}, false
	}

	return DatasetDescriptor{Name: desc.Name, Params: desc.Params.clone()}, true
}

func (r *Registry) Subscribe(topic Topic, instance Instance, handler Handler) {
	r.subs.add(topic, Subscriber{Instance: instance, Handler: handler})
}

// Unsubscribe removes every subscription instance holds on topic.
func (r *Registry) Unsubscribe(topic Topic, instance Instance) {
	r.subs.remove(topic, instance)
}

func (r *Registry) Subscribers(topic Topic) int {
	return r.subs.count(topic)
}

// Publish delivers data to the current subscribers of topic and returns how
// many handlers ran. Fetches and socket frames both end up here.
func (r *Registry) Publish(topic Topic, data any) int {
	return r.subs.publish(topic, data)
}

// FetchAndPublish fetches the dataset bound to topic and publishes the result
// to whoever is subscribed once the fetch returns.
//
// updates are laid over the registered params for this call only. An
// unknown topic is logged and ignored. A fetch error is logged and returned;
// callers running on a timer must handle it themselves (see Poller).
func (r *Registry) FetchAndPublish(ctx context.Context, topic Topic, page any, updates Params) error {
	r.mu.RLock()
	desc, exists := r.mappings[topic]
	r.mu.RUnlock()

	if !exists {
		r.log.Warn("no mapping for topic", zap.String("topic", string(topic)))
		return nil
	}

	params := desc.Params.merge(updates)

	r.metrics.fetchStarted(topic)

	data, err := r.fetcher.Fetch(ctx, page, desc.Name, params)
	if err != nil {
		r.log.Error("fetch failed",
			zap.String("topic", string(topic)),
			zap.String("dataset", desc.Name),
			zap.Error(err),
		)
		r.metrics.fetchFailed(topic)

		return errors.Wrapf(err, "fetch dataset %q for topic %q", desc.Name, topic)
	}

	r.Publish(topic, data)

	return nil
}
