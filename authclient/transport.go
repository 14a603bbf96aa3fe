package authclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

// Transport sends one HTTP request. *retry.Client satisfies it.
type Transport interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPDoer adapts a plain *http.Client to Transport.
type HTTPDoer struct {
	Client *http.Client
}

func (d HTTPDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}
	return c.Do(req.WithContext(ctx))
}

// NewTransport builds the default transport: a TLS 1.2+ keep-alive client
// wrapped with retries for network errors and server-side failures. A 401 is
// not retried here; it belongs to the Coordinator.
func NewTransport(timeout time.Duration) (*retry.Client, error) {
	retryClient, err := retry.NewClient(
		retry.WithHTTPClient(newHTTPClient(timeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return retryClient, nil
}

// NewTokenTransport builds the transport for the login and renewal
// endpoints. Every request goes out exactly once.
func NewTokenTransport(timeout time.Duration) HTTPDoer {
	return HTTPDoer{Client: newHTTPClient(timeout)}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}
