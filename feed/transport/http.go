package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kleeedolinux/datafeed/feed"
)

// Ensure type HTTPFetcher implements interface feed.Fetcher.
var _ feed.Fetcher = (*HTTPFetcher)(nil)

// StatusError is returned when the dataset endpoint answers with a non 2xx
// status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// HTTPFetcher fetches datasets from a JSON endpoint. Each fetch is a POST to
// {baseURL}/datasets/{name} with body {"page": ..., "param": {...}}.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
	headers http.Header
	timeout time.Duration

	retries    uint64
	newBackOff func() backoff.BackOff

	log *zap.Logger
}

type HTTPOption func(*HTTPFetcher)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

func WithFetchHeaders(headers http.Header) HTTPOption {
	return func(f *HTTPFetcher) {
		for k, v := range headers {
			f.headers[k] = v
		}
	}
}

func WithFetchTimeout(timeout time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.timeout = timeout
	}
}

// WithRetries retries transport errors and 5xx answers up to n times.
func WithRetries(n uint64) HTTPOption {
	return func(f *HTTPFetcher) {
		f.retries = n
	}
}

func WithRetryBackOff(fn func() backoff.BackOff) HTTPOption {
	return func(f *HTTPFetcher) {
		f.newBackOff = fn
	}
}

func WithFetchLogger(log *zap.Logger) HTTPOption {
	return func(f *HTTPFetcher) {
		f.log = log
	}
}

func NewHTTPFetcher(baseURL string, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: make(http.Header),
		timeout: 30 * time.Second,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

type fetchRequest struct {
	Page  any         `json:"page,omitempty"`
	Param feed.Params `json:"param"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context, page any, dataset string, params feed.Params) (any, error) {
	body, err := json.Marshal(fetchRequest{Page: page, Param: params})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	endpoint := f.baseURL + "/datasets/" + url.PathEscape(dataset)

	var data any
	operation := func() error {
		d, err := f.do(ctx, endpoint, body)
		if err != nil {
			f.log.Debug("fetch attempt failed", zap.String("dataset", dataset), zap.Error(err))
			return err
		}
		data = d
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), f.retries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, errors.Wrapf(err, "fetch %s", dataset)
	}

	return data, nil
}

func (f *HTTPFetcher) do(ctx context.Context, endpoint string, body []byte) (any, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "new request"))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, values := range f.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)

		statusErr := &StatusError{Code: resp.StatusCode, Status: resp.Status}
		if resp.StatusCode >= 500 {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "decode response"))
	}

	return data, nil
}
