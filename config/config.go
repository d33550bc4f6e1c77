// Package config loads the topic layout of a dashboard from YAML: which
// datasets back which topics, which topics are fed by WebSockets and which
// are polled.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kleeedolinux/datafeed/feed"
)

// EnvFetchURL overrides Fetch.BaseURL when set.
const EnvFetchURL = "DATAFEED_FETCH_URL"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Service  string    `yaml:"service"`
	Fetch    Fetch     `yaml:"fetch"`
	Mappings []Mapping `yaml:"mappings"`
	Sockets  []Socket  `yaml:"sockets"`
	Polls    []Poll    `yaml:"polls"`
}

type Fetch struct {
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Retries uint64            `yaml:"retries"`
	Headers map[string]string `yaml:"headers"`
}

type Mapping struct {
	Topic   feed.Topic  `yaml:"topic"`
	Dataset string      `yaml:"dataset"`
	Params  feed.Params `yaml:"params"`
}

type Socket struct {
	Topic     feed.Topic `yaml:"topic"`
	URL       string     `yaml:"url"`
	Protocols []string   `yaml:"protocols"`

	// nil keeps the channel defaults.
	Reconnect            *bool         `yaml:"reconnect"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts *int          `yaml:"max_reconnect_attempts"`

	// Open connects the socket as soon as it is registered.
	Open bool `yaml:"open"`
}

type Poll struct {
	Topic    feed.Topic    `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`
}

func defaults() *Config {
	return &Config{
		Service: "datafeed",
		Fetch: Fetch{
			Timeout: 30 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}

	return cfg, nil
}

// Parse decodes data over the defaults, applies environment overrides and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv(EnvFetchURL); ok && v != "" {
		c.Fetch.BaseURL = v
	}
}

func (c *Config) Validate() error {
	mapped := make(map[feed.Topic]bool, len(c.Mappings))
	for i, m := range c.Mappings {
		if m.Topic == "" {
			return errors.Wrapf(ErrInvalidConfig, "mappings[%d]: topic is required", i)
		}
		if m.Dataset == "" {
			return errors.Wrapf(ErrInvalidConfig, "mappings[%d]: dataset is required", i)
		}
		if mapped[m.Topic] {
			return errors.Wrapf(ErrInvalidConfig, "mappings[%d]: duplicate topic %q", i, m.Topic)
		}
		mapped[m.Topic] = true
	}

	if len(c.Mappings) > 0 && c.Fetch.BaseURL == "" {
		return errors.Wrap(ErrInvalidConfig, "fetch.base_url is required when mappings are set")
	}

	socketed := make(map[feed.Topic]bool, len(c.Sockets))
	for i, s := range c.Sockets {
		if s.Topic == "" {
			return errors.Wrapf(ErrInvalidConfig, "sockets[%d]: topic is required", i)
		}
		if !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
			return errors.Wrapf(ErrInvalidConfig, "sockets[%d]: url must be ws:// or wss://", i)
		}
		if s.ReconnectInterval < 0 {
			return errors.Wrapf(ErrInvalidConfig, "sockets[%d]: negative reconnect_interval", i)
		}
		if s.MaxReconnectAttempts != nil && *s.MaxReconnectAttempts < 0 {
			return errors.Wrapf(ErrInvalidConfig, "sockets[%d]: negative max_reconnect_attempts", i)
		}
		if socketed[s.Topic] {
			return errors.Wrapf(ErrInvalidConfig, "sockets[%d]: duplicate topic %q", i, s.Topic)
		}
		socketed[s.Topic] = true
	}

	for i, p := range c.Polls {
		if !mapped[p.Topic] {
			return errors.Wrapf(ErrInvalidConfig, "polls[%d]: topic %q has no mapping", i, p.Topic)
		}
		if p.Interval <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "polls[%d]: interval must be positive", i)
		}
	}

	return nil
}

// Options translates s into channel options. Unset fields keep the channel
// defaults.
func (s Socket) Options() []feed.SocketOption {
	var opts []feed.SocketOption

	if len(s.Protocols) > 0 {
		opts = append(opts, feed.WithProtocols(s.Protocols...))
	}
	if s.Reconnect != nil {
		opts = append(opts, feed.WithReconnect(*s.Reconnect))
	}
	if s.ReconnectInterval > 0 {
		opts = append(opts, feed.WithReconnectInterval(s.ReconnectInterval))
	}
	if s.MaxReconnectAttempts != nil {
		opts = append(opts, feed.WithMaxReconnectAttempts(*s.MaxReconnectAttempts))
	}

	return opts
}

// Apply registers every mapping and socket on hub, opens the sockets marked
// open and returns one unstarted poller per poll entry.
func (c *Config) Apply(hub *feed.Hub) []*feed.Poller {
	for _, m := range c.Mappings {
		hub.RegisterMapping(m.Topic, feed.DatasetDescriptor{
			Name:   m.Dataset,
			Params: m.Params,
		})
	}

	for _, s := range c.Sockets {
		hub.RegisterSocket(s.Topic, s.URL, s.Options()...)
		if s.Open {
			hub.OpenSocket(s.Topic)
		}
	}

	pollers := make([]*feed.Poller, 0, len(c.Polls))
	for _, p := range c.Polls {
		pollers = append(pollers, hub.NewPoller(feed.PollConfig{
			Topic:    p.Topic,
			Interval: p.Interval,
		}))
	}

	return pollers
}

// Teardown reverses Apply: sockets are closed and mappings dropped.
func (c *Config) Teardown(hub *feed.Hub) {
	for _, s := range c.Sockets {
		hub.CloseSocket(s.Topic)
	}

	for _, m := range c.Mappings {
		hub.UnregisterMapping(m.Topic)
	}
}
