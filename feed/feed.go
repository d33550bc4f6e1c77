// Package feed implements topic based data publication for dashboards.
//
// A Registry maps topics to datasets that are fetched on demand and fanned
// out to subscribers. A ChannelManager maps topics to WebSocket channels that
// reconnect on their own and push every inbound frame through the same
// delivery path. Hub bundles both around one subscriber table.
package feed

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Topic string

type Params map[string]any

// DatasetDescriptor names the dataset backing a topic and the parameters it
// is queried with.
type DatasetDescriptor struct {
	Name   string `json:"datasetName" yaml:"dataset"`
	Params Params `json:"param" yaml:"params"`
}

// Instance identifies a subscriber. Two subscriptions are the same subscriber
// only if their tokens are equal.
type Instance string

func NewInstance() Instance {
	return Instance(uuid.NewString())
}

type Handler func(data any) error

type Subscriber struct {
	Instance Instance
	Handler  Handler
}

// Fetcher is the pull transport. Fetch must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, page any, dataset string, params Params) (any, error)
}

type FetcherFunc func(ctx context.Context, page any, dataset string, params Params) (any, error)

func (f FetcherFunc) Fetch(ctx context.Context, page any, dataset string, params Params) (any, error) {
	return f(ctx, page, dataset, params)
}

// Conn is an open push connection. ReadMessage blocks until a frame arrives
// and returns an error once the connection is gone.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, protocols []string) (Conn, error)
}

type Publisher interface {
	Publish(topic Topic, data any) int
}

var (
	ErrUnknownTopic       = errors.New("unknown topic")
	ErrNotOpen            = errors.New("channel not open")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInvalidMessage     = errors.New("invalid message format")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrInvalidInterval    = errors.New("poll interval must be positive")
)

func (p Params) clone() Params {
	if p == nil {
		return Params{}
	}

	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}

// merge returns a shallow copy of p with updates laid over it.
func (p Params) merge(updates Params) Params {
	out := p.clone()
	for k, v := range updates {
		out[k] = v
	}

	return out
}
