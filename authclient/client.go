// Package authclient is an HTTP client for the organization API that keeps
// its session alive.
//
// Every request is decorated with the stored access token and active
// organization. When the API answers 401 the client hands the failure to a
// Coordinator, which performs one renewal for all concurrently failing
// requests, then replays each of them exactly once with the new token.
// Any other status, and any transport error, is returned to the caller as is.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/go-authgate/orgctl/credstore"
)

// Client is the authenticated API client. It is safe for concurrent use.
type Client struct {
	baseURL   string
	store     credstore.Store
	transport Transport
	coord     *Coordinator
	opts      options
}

// New returns a client for the API at baseURL using store for credentials.
func New(baseURL string, store credstore.Store, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("server URL cannot be empty")
	}
	if store == nil {
		return nil, errors.New("credential store is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.transport == nil {
		t, err := NewTransport(o.requestTimeout)
		if err != nil {
			return nil, err
		}
		o.transport = t
	}

	if o.tokenTransport == nil {
		o.tokenTransport = NewTokenTransport(o.requestTimeout)
	}

	baseURL = strings.TrimRight(baseURL, "/")
	if o.renewer == nil {
		o.renewer = &HTTPRenewer{
			URL:       baseURL + o.refreshPath,
			Transport: o.tokenTransport,
		}
	}

	return &Client{
		baseURL:   baseURL,
		store:     store,
		transport: o.transport,
		coord:     newCoordinator(store, o),
		opts:      o,
	}, nil
}

// BaseURL returns the server URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Store returns the credential store.
func (c *Client) Store() credstore.Store { return c.store }

// Coordinator exposes the refresh state machine for inspection.
func (c *Client) Coordinator() *Coordinator { return c.coord }

// Do sends req with the current credentials. On a 401 it waits for the
// shared refresh and replays req once. A second 401 ends the session.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}

	log := c.opts.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
	)

	creds, err := credstore.Snapshot(ctx, c.store)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	resp, err := c.send(ctx, req, creds)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	cause := drainStatus(req, resp)
	log.Debug("access token rejected")
	c.opts.observer.AccessTokenRejected(req.Method, req.URL.Path)

	fresh, err := c.coord.Recover(ctx, creds.AccessToken, cause)
	if err != nil {
		return nil, err
	}

	// The org may have changed meanwhile; the token must be the one the
	// coordinator handed out.
	creds, err = credstore.Snapshot(ctx, c.store)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds.AccessToken = fresh

	c.opts.metrics.replayed()
	c.opts.observer.Replaying(req.Method, req.URL.Path)
	log.Debug("replaying request with refreshed token")

	resp, err = c.send(ctx, req, creds)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	return nil, c.coord.endSession(ctx, ReasonRejectedAfterRetry, drainStatus(req, resp))
}

// send decorates a fresh copy of req and hands it to the transport.
func (c *Client) send(
	ctx context.Context,
	req *http.Request,
	creds credstore.Credentials,
) (*http.Response, error) {
	out := Decorate(req, creds)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
	}
	return c.transport.DoWithContext(ctx, out)
}

// bufferBody makes req's body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// drainStatus consumes and closes resp, returning it as a *StatusError.
func drainStatus(req *http.Request, resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Method:     req.Method,
		URL:        req.URL.String(),
		Body:       body,
	}
}

// DoJSON sends in (if non-nil) as JSON to path and decodes a 2xx response
// into out (if non-nil). Non-2xx responses become *StatusError.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return drainStatus(req, resp)
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// GetJSON is DoJSON with GET and no request body.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON is DoJSON with POST.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.DoJSON(ctx, http.MethodPost, path, in, out)
}
