package feed

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type subscriberTable struct {
	mu     sync.RWMutex
	topics map[Topic][]Subscriber

	log     *zap.Logger
	metrics *Metrics
}

func newSubscriberTable(log *zap.Logger, metrics *Metrics) *subscriberTable {
	return &subscriberTable{
		topics:  make(map[Topic][]Subscriber),
		log:     log,
		metrics: metrics,
	}
}

func (t *subscriberTable) add(topic Topic, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.topics[topic] = append(t.topics[topic], sub)
}

func (t *subscriberTable) remove(topic Topic, instance Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, exists := t.topics[topic]
	if !exists {
		return
	}

	kept := subs[:0]
	for _, sub := range subs {
		if sub.Instance != instance {
			kept = append(kept, sub)
		}
	}

	// Clear the tail so removed handlers can be collected.
	for i := len(kept); i < len(subs); i++ {
		subs[i] = Subscriber{}
	}

	if len(kept) == 0 {
		delete(t.topics, topic)
		return
	}

	t.topics[topic] = kept
}

func (t *subscriberTable) count(topic Topic) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.topics[topic])
}

func (t *subscriberTable) snapshot(topic Topic) []Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.topics[topic]
	if len(subs) == 0 {
		return nil
	}

	out := make([]Subscriber, len(subs))
	copy(out, subs)

	return out
}

// publish hands data to every subscriber of topic registered at call time.
// A failing handler is logged and does not stop delivery to the rest.
func (t *subscriberTable) publish(topic Topic, data any) int {
	subs := t.snapshot(topic)

	for _, sub := range subs {
		if err := invoke(sub, data); err != nil {
			t.log.Error("subscriber handler failed",
				zap.String("topic", string(topic)),
				zap.String("instance", string(sub.Instance)),
				zap.Error(err),
			)
			t.metrics.handlerFailed(topic)
		}
		t.metrics.delivered(topic)
	}

	return len(subs)
}

func invoke(sub Subscriber, data any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	return sub.Handler(data)
}
