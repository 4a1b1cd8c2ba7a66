package gridmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultRemoteTimeout is the default HTTP request timeout for the remote store.
	DefaultRemoteTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts per request.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// errPermanent marks a response that retrying will not fix.
var errPermanent = errors.New("permanent failure")

// RemoteOption configures a RemoteStore.
type RemoteOption func(*remoteOptions)

type remoteOptions struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(o *remoteOptions) {
		o.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) RemoteOption {
	return func(o *remoteOptions) {
		o.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) RemoteOption {
	return func(o *remoteOptions) {
		o.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(o *remoteOptions) {
		o.client = client
	}
}

// RemoteStore is a client for a Firebase-style REST JSON store, where every
// node lives at <url><root><node>.json.
type RemoteStore struct {
	baseURL string
	root    string
	token   string
	opts    remoteOptions
	client  *http.Client
}

// NewRemoteStore builds a store client from cfg.
func NewRemoteStore(cfg RemoteConfig, opts ...RemoteOption) (*RemoteStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote store: URL is empty")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("remote store: %w", err)
	}

	o := remoteOptions{
		timeout:     DefaultRemoteTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 1 {
		o.maxRetries = 1
	}
	client := o.client
	if client == nil {
		client = &http.Client{Timeout: o.timeout}
	}

	return &RemoteStore{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		root:    cfg.Root,
		token:   cfg.Token,
		opts:    o,
		client:  client,
	}, nil
}

// nodeURL returns the URL for node under root.
func (s *RemoteStore) nodeURL(node string) string {
	path := "/" + strings.Trim(s.root, "/") + "/" + strings.TrimPrefix(node, "/")
	path = strings.ReplaceAll(path, "//", "/")
	u := s.baseURL + path + ".json"
	if s.token != "" {
		u += "?auth=" + url.QueryEscape(s.token)
	}
	return u
}

// Put replaces node with v.
func (s *RemoteStore) Put(ctx context.Context, node string, v any) error {
	_, err := s.send(ctx, http.MethodPut, node, v)
	return err
}

// Post appends v as a new child of node and returns the key the store
// assigned to it.
func (s *RemoteStore) Post(ctx context.Context, node string, v any) (string, error) {
	body, err := s.send(ctx, http.MethodPost, node, v)
	if err != nil {
		return "", err
	}
	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("remote POST %s: decoding response: %w", node, err)
	}
	return resp.Name, nil
}

// Get decodes node into out.
func (s *RemoteStore) Get(ctx context.Context, node string, out any) error {
	body, err := s.send(ctx, http.MethodGet, node, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("remote GET %s: decoding response: %w", node, err)
	}
	return nil
}

// PushSnapshot stores snap under the "grid" node and appends its stats to
// "history".
func (s *RemoteStore) PushSnapshot(ctx context.Context, snap *GridSnapshot) error {
	if err := s.Put(ctx, "grid", snap); err != nil {
		return err
	}
	entry := map[string]any{"stats": snap.Stats, "timestamp": snap.LastUpdated}
	if _, err := s.Post(ctx, "history", entry); err != nil {
		return err
	}
	return nil
}

// FetchSnapshot reads the snapshot stored by PushSnapshot.
func (s *RemoteStore) FetchSnapshot(ctx context.Context) (*GridSnapshot, error) {
	var snap GridSnapshot
	if err := s.Get(ctx, "grid", &snap); err != nil {
		return nil, err
	}
	if snap.XN == 0 || snap.YN == 0 {
		return nil, fmt.Errorf("remote GET grid: no snapshot stored")
	}
	return &snap, nil
}

// send performs one request with retries and returns the response body.
// Transport errors and 5xx responses are retried; anything else is not.
// POST is not idempotent and gets a single attempt.
func (s *RemoteStore) send(ctx context.Context, method, node string, v any) ([]byte, error) {
	var payload []byte
	if v != nil {
		var err error
		if payload, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("remote %s %s: marshaling body: %w", method, node, err)
		}
	}
	target := s.nodeURL(node)

	attempts := s.opts.maxRetries
	if method == http.MethodPost {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			backoff := s.opts.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("remote %s %s: %w", method, node, ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := s.do(ctx, method, target, payload)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, errPermanent) {
			return nil, fmt.Errorf("remote %s %s: %w", method, node, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("remote %s %s: all %d attempts failed: %w", method, node, attempts, lastErr)
}

func (s *RemoteStore) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w: %w", errPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %s: status %d", method, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("HTTP %s: status %d: %w", method, resp.StatusCode, errPermanent)
	}
	return data, nil
}
