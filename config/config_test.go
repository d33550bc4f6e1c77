package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/datafeed/feed"
)

const sample = `
service: ops-dashboard
fetch:
  base_url: http://data.local/api
  timeout: 5s
  retries: 2
  headers:
    X-Token: secret
mappings:
  - topic: users
    dataset: users
    params:
      page: 1
      pageSize: 20
  - topic: transactions
    dataset: tx_recent
sockets:
  - topic: transactions
    url: ws://data.local/stream/tx
    protocols: [dashboard.v1]
    reconnect_interval: 500ms
    max_reconnect_attempts: 0
  - topic: alerts
    url: wss://data.local/stream/alerts
    reconnect: false
polls:
  - topic: users
    interval: 30s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Equal(t, "ops-dashboard", cfg.Service)
	require.Equal(t, "http://data.local/api", cfg.Fetch.BaseURL)
	require.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	require.Equal(t, uint64(2), cfg.Fetch.Retries)
	require.Equal(t, "secret", cfg.Fetch.Headers["X-Token"])

	require.Len(t, cfg.Mappings, 2)
	require.Equal(t, feed.Params{"page": 1, "pageSize": 20}, cfg.Mappings[0].Params)

	require.Len(t, cfg.Sockets, 2)
	require.Equal(t, 500*time.Millisecond, cfg.Sockets[0].ReconnectInterval)
	require.NotNil(t, cfg.Sockets[0].MaxReconnectAttempts)
	require.Zero(t, *cfg.Sockets[0].MaxReconnectAttempts)
	require.Nil(t, cfg.Sockets[0].Reconnect)
	require.False(t, *cfg.Sockets[1].Reconnect)

	require.Equal(t, 30*time.Second, cfg.Polls[0].Interval)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	require.Equal(t, "datafeed", cfg.Service)
	require.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
}

func TestParse_EnvOverride(t *testing.T) {
	t.Setenv(EnvFetchURL, "http://override/api")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, "http://override/api", cfg.Fetch.BaseURL)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key": `bogus: 1`,
		"mapping without dataset": `
fetch: {base_url: http://x}
mappings: [{topic: a}]`,
		"duplicate mapping": `
fetch: {base_url: http://x}
mappings: [{topic: a, dataset: d}, {topic: a, dataset: e}]`,
		"mappings without fetch url": `
mappings: [{topic: a, dataset: d}]`,
		"socket with http url": `
sockets: [{topic: a, url: http://x}]`,
		"negative attempts": `
sockets: [{topic: a, url: ws://x, max_reconnect_attempts: -1}]`,
		"poll without mapping": `
polls: [{topic: a, interval: 1s}]`,
		"poll without interval": `
fetch: {base_url: http://x}
mappings: [{topic: a, dataset: d}]
polls: [{topic: a}]`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ops-dashboard", cfg.Service)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

type nopDialer struct{}

func (nopDialer) Dial(context.Context, string, []string) (feed.Conn, error) {
	return nil, feed.ErrConnectionClosed
}

func TestApplyAndTeardown(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	hub := feed.New(nil, nopDialer{})
	t.Cleanup(hub.Close)

	pollers := cfg.Apply(hub)
	require.Len(t, pollers, 1)

	desc, ok := hub.Mapping("users")
	require.True(t, ok)
	require.Equal(t, "users", desc.Name)

	require.Equal(t, feed.StateRegistered, hub.State("transactions"))
	require.Equal(t, feed.StateRegistered, hub.State("alerts"))

	cfg.Teardown(hub)

	_, ok = hub.Mapping("users")
	require.False(t, ok)
	require.Equal(t, feed.StateUnregistered, hub.State("transactions"))
}
