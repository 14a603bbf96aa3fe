package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct {
	ServerURL string
	Profile   string
}

// MsgWarning is a non-fatal configuration or usage warning.
type MsgWarning struct{ Text string }

// MsgWorking signals that a command step is in progress.
type MsgWorking struct{ Text string }

// MsgAccessTokenRejected signals that a request got a 401.
type MsgAccessTokenRejected struct {
	Method string
	Path   string
}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgWaiterQueued signals that a request is waiting on the running refresh.
type MsgWaiterQueued struct{}

// MsgReplaying signals that a request is being replayed with a new token.
type MsgReplaying struct {
	Method string
	Path   string
}

// MsgSessionEnded signals that the stored session was cleared.
type MsgSessionEnded struct{ Err error }

// MsgLoggedIn signals a successful login.
type MsgLoggedIn struct {
	Email string
	OrgID string
}

// MsgLoggedOut signals that credentials were removed.
type MsgLoggedOut struct{}

// MsgOrgSelected signals that the active organization changed.
type MsgOrgSelected struct{ OrgID string }

// MsgCallResult reports one finished API call.
type MsgCallResult struct {
	Method  string
	Path    string
	Status  int
	Elapsed time.Duration
}

// MsgFinished signals successful completion of a command.
type MsgFinished struct{ Text string }

// MsgDone signals completion with the current token summary.
type MsgDone struct {
	Preview   string
	TokenType string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
