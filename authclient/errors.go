package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionEnded means the stored session can no longer be used and the
// user must log in again. Credentials have already been cleared.
var ErrSessionEnded = errors.New("session ended, login required")

// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// EndReason says why a session ended.
type EndReason string

const (
	ReasonNoRefreshToken     EndReason = "no_refresh_token"
	ReasonRefreshFailed      EndReason = "refresh_failed"
	ReasonRejectedAfterRetry EndReason = "rejected_after_retry"
)

// SessionEndedError is the terminal failure of the refresh pathway.
// It matches ErrSessionEnded and unwraps to its cause: the original 401 for
// ReasonNoRefreshToken and ReasonRejectedAfterRetry, the renewal error for
// ReasonRefreshFailed.
type SessionEndedError struct {
	Reason EndReason
	Err    error
}

func (e *SessionEndedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", ErrSessionEnded, e.Reason)
	}
	return fmt.Sprintf("%v (%s): %v", ErrSessionEnded, e.Reason, e.Err)
}

func (e *SessionEndedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSessionEnded}
	}
	return []error{ErrSessionEnded, e.Err}
}

// ErrorResponse is the error body the API returns.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// StatusError reports a non-2xx API response.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       []byte
}

func (e *StatusError) Error() string {
	var errResp ErrorResponse
	if err := json.Unmarshal(e.Body, &errResp); err == nil && errResp.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, errResp.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// IsUnauthorized reports whether err carries an HTTP 401 from the API.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}
