package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/go-authgate/orgctl/credstore"
)

// RefreshState is the coordinator's state.
type RefreshState int

const (
	StateIdle RefreshState = iota
	StateRefreshing
)

func (s RefreshState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	}
	return fmt.Sprintf("RefreshState(%d)", int(s))
}

var (
	errRefreshAborted = errors.New("refresh aborted")
	errNoRenewer      = errors.New("no renewer configured")
)

// outcome is the single result of a refresh, shared by every waiter.
type outcome struct {
	token string
	err   error
}

// waiter is a caller parked behind the in-flight refresh. ch has capacity
// one and receives exactly one outcome.
type waiter struct {
	ch chan outcome
}

// Coordinator runs at most one renewal at a time and hands its result to
// every request that failed with 401 while it was running.
type Coordinator struct {
	store credstore.Store
	opts  options

	mu      sync.Mutex
	state   RefreshState
	waiters []*waiter
}

// NewCoordinator returns an idle coordinator that renews through renewer.
// A nil renewer fails every renewal, ending the session.
func NewCoordinator(store credstore.Store, renewer Renewer, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if renewer == nil {
		renewer = RenewerFunc(func(context.Context, string) (*oauth2.Token, error) {
			return nil, errNoRenewer
		})
	}
	o.renewer = renewer
	return newCoordinator(store, o)
}

func newCoordinator(store credstore.Store, o options) *Coordinator {
	return &Coordinator{store: store, opts: o, state: StateIdle}
}

// State returns the current state.
func (c *Coordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiting returns how many callers are parked behind the in-flight refresh.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Recover handles a 401 received by a request that was sent with
// staleToken. It returns the access token to replay with, or a
// *SessionEndedError once the session is gone. cause is the 401 itself.
//
// If a refresh is running the caller waits for it and shares its outcome.
// Otherwise this caller claims the coordinator: if the stored token has
// already moved past staleToken the stored token is returned without a new
// renewal, else it starts the renewal.
//
// A 401 that arrives after a failed refresh has cleared the store finds no
// refresh token and ends the session again with ReasonNoRefreshToken, so a
// single expiry can be reported more than once.
func (c *Coordinator) Recover(ctx context.Context, staleToken string, cause error) (string, error) {
	c.mu.Lock()

	if c.state == StateRefreshing {
		w := &waiter{ch: make(chan outcome, 1)}
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		c.opts.metrics.waiterQueued()
		c.opts.observer.WaiterQueued()

		select {
		case out := <-w.ch:
			return out.token, out.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	// Must be set before the lock is released so concurrent failures queue.
	// The store is read outside the lock.
	c.state = StateRefreshing
	c.mu.Unlock()

	out := outcome{err: errRefreshAborted}
	defer func() { c.settle(out) }()

	// One caller's cancellation must not fail everyone queued behind it.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.refreshTimeout)
	defer cancel()

	out = c.resolve(rctx, staleToken, cause)
	return out.token, out.err
}

// resolve decides the outcome for the caller holding the claim.
func (c *Coordinator) resolve(ctx context.Context, staleToken string, cause error) outcome {
	creds, err := credstore.Snapshot(ctx, c.store)
	if err != nil {
		return outcome{err: fmt.Errorf("read credentials: %w", err)}
	}

	if creds.AccessToken != "" && creds.AccessToken != staleToken {
		return outcome{token: creds.AccessToken}
	}

	if creds.RefreshToken == "" {
		return outcome{err: c.endSession(ctx, ReasonNoRefreshToken, cause)}
	}

	return c.refresh(ctx, creds.RefreshToken)
}

// refresh performs the renewal owned by this caller.
func (c *Coordinator) refresh(ctx context.Context, refreshToken string) outcome {
	c.opts.observer.Refreshing()
	c.opts.logger.Debug("refreshing access token")

	start := time.Now()
	tok, err := c.opts.renewer.Renew(ctx, refreshToken)
	if err == nil {
		err = c.saveRenewed(ctx, tok)
	}
	c.opts.metrics.observeRefresh(start, err)

	if err != nil {
		c.opts.observer.RefreshFailed(err)
		c.opts.logger.Warn("access token refresh failed", zap.Error(err))
		return outcome{err: c.endSession(ctx, ReasonRefreshFailed, err)}
	}

	c.opts.observer.RefreshOK()
	fields := []zap.Field{
		zap.Duration("duration", time.Since(start)),
		zap.Bool("rotated", c.rotates(tok)),
	}
	if !tok.Expiry.IsZero() {
		fields = append(fields, zap.Time("expires_at", tok.Expiry))
	}
	c.opts.logger.Info("access token refreshed", fields...)

	return outcome{token: tok.AccessToken}
}

func (c *Coordinator) rotates(tok *oauth2.Token) bool {
	return c.opts.rotation == RotateWhenIssued && tok.RefreshToken != ""
}

func (c *Coordinator) saveRenewed(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("renewal returned no access token")
	}
	if err := c.store.Set(ctx, credstore.SlotAccessToken, tok.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if c.rotates(tok) {
		if err := c.store.Set(ctx, credstore.SlotRefreshToken, tok.RefreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	return nil
}

// settle returns to idle and delivers out to every queued waiter.
func (c *Coordinator) settle(out outcome) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = StateIdle
	c.mu.Unlock()

	for _, w := range waiters {
		w.ch <- out
	}
}

// endSession clears every slot and builds the terminal error.
func (c *Coordinator) endSession(ctx context.Context, reason EndReason, cause error) error {
	if err := credstore.ClearAll(context.WithoutCancel(ctx), c.store); err != nil {
		c.opts.logger.Error("failed to clear credentials", zap.Error(err))
	}

	endErr := &SessionEndedError{Reason: reason, Err: cause}
	c.opts.metrics.sessionEnded(reason)
	c.opts.observer.SessionEnded(endErr)
	c.opts.logger.Warn("session ended",
		zap.String("reason", string(reason)),
		zap.NamedError("cause", cause),
	)
	c.opts.report(endErr)
	return endErr
}
