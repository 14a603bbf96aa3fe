package authclient

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// RotationPolicy decides what happens to the stored refresh token after a
// successful renewal.
type RotationPolicy int

const (
	// RotateWhenIssued adopts a refresh token returned by the renewal
	// endpoint and keeps the stored one when none is returned.
	RotateWhenIssued RotationPolicy = iota
	// RotateNever always keeps the stored refresh token.
	RotateNever
)

func (p RotationPolicy) String() string {
	switch p {
	case RotateWhenIssued:
		return "rotate"
	case RotateNever:
		return "fixed"
	}
	return fmt.Sprintf("RotationPolicy(%d)", int(p))
}

// ParseRotationPolicy accepts "rotate" or "fixed".
func ParseRotationPolicy(s string) (RotationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rotate":
		return RotateWhenIssued, nil
	case "fixed":
		return RotateNever, nil
	}
	return 0, fmt.Errorf("unknown rotation policy %q (want rotate or fixed)", s)
}

type options struct {
	transport      Transport
	tokenTransport Transport
	renewer        Renewer
	refreshPath    string
	loginPath      string
	rotation       RotationPolicy
	refreshTimeout time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger
	metrics        *Metrics
	observer       Observer
	report         func(error)
}

// Option configures a Client or Coordinator.
type Option func(*options)

func defaultOptions() options {
	return options{
		refreshPath:    DefaultRefreshPath,
		loginPath:      DefaultLoginPath,
		rotation:       RotateWhenIssued,
		refreshTimeout: defaultRefreshTimeout,
		requestTimeout: defaultRequestTimeout,
		logger:         zap.NewNop(),
		observer:       NopObserver{},
		report:         func(error) {},
	}
}

// WithTransport replaces the default retrying transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithTokenTransport replaces the single-shot transport used for the login
// and renewal endpoints. It must not retry.
func WithTokenTransport(t Transport) Option {
	return func(o *options) { o.tokenTransport = t }
}

// WithRenewer replaces the HTTP renewal call.
func WithRenewer(r Renewer) Option {
	return func(o *options) { o.renewer = r }
}

// WithRefreshPath sets the renewal endpoint path.
func WithRefreshPath(path string) Option {
	return func(o *options) { o.refreshPath = path }
}

// WithLoginPath sets the login endpoint path.
func WithLoginPath(path string) Option {
	return func(o *options) { o.loginPath = path }
}

// WithRotation sets the refresh token rotation policy.
func WithRotation(p RotationPolicy) Option {
	return func(o *options) { o.rotation = p }
}

// WithRefreshTimeout bounds a single renewal call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.refreshTimeout = d
		}
	}
}

// WithRequestTimeout sets the per-request timeout of the default transport.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithErrorReporter is called once for every session that ends.
func WithErrorReporter(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.report = fn
		}
	}
}
