package tui

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/orgctl/authclient"
)

// Displayer abstracts all progress output of the CLI. It also receives the
// client's refresh events, which may arrive from several goroutines.
type Displayer interface {
	authclient.Observer

	Banner(serverURL, profile string)
	Warning(text string)
	Working(text string)
	LoggedIn(email, orgID string)
	LoggedOut()
	OrgSelected(orgID string)
	CallResult(method, path string, status int, elapsed time.Duration)
	Finished(text string)
	Done(preview, tokenType string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner(serverURL, profile string) {
	p.printf("=== orgctl: %s (profile %s) ===\n\n", serverURL, profile)
}

func (p *PlainDisplayer) Warning(text string) {
	p.printf("WARNING: %s\n", text)
}

func (p *PlainDisplayer) Working(text string) {
	p.printf("%s\n", text)
}

func (p *PlainDisplayer) AccessTokenRejected(method, path string) {
	p.printf("Access token rejected (401) for %s %s\n", method, path)
}

func (p *PlainDisplayer) Refreshing() {
	p.printf("Refreshing access token...\n")
}

func (p *PlainDisplayer) RefreshOK() {
	p.printf("Token refreshed successfully!\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) WaiterQueued() {
	p.printf("Waiting for token refresh in progress...\n")
}

func (p *PlainDisplayer) Replaying(method, path string) {
	p.printf("Token refreshed, retrying %s %s\n", method, path)
}

func (p *PlainDisplayer) SessionEnded(err error) {
	p.printf("Session ended, please log in again: %v\n", reason(err))
}

func (p *PlainDisplayer) LoggedIn(email, orgID string) {
	if orgID == "" {
		p.printf("Logged in as %s (no organization selected)\n", email)
		return
	}
	p.printf("Logged in as %s, active organization %s\n", email, orgID)
}

func (p *PlainDisplayer) LoggedOut() {
	p.printf("Credentials removed.\n")
}

func (p *PlainDisplayer) OrgSelected(orgID string) {
	p.printf("Active organization set to %s\n", orgID)
}

func (p *PlainDisplayer) CallResult(method, path string, status int, elapsed time.Duration) {
	p.printf("%s %s -> %d (%s)\n", method, path, status, elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) Finished(text string) {
	p.printf("%s\n", text)
}

func (p *PlainDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Token Info:")
	fmt.Fprintf(p.w, "Access Token: %s\n", preview)
	fmt.Fprintf(p.w, "Token Type: %s\n", tokenType)
	fmt.Fprintf(p.w, "Expires In: %s\n", formatExpiry(expiresIn))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// reason extracts the end reason of a terminated session.
func reason(err error) string {
	var ended *authclient.SessionEndedError
	if errors.As(err, &ended) {
		return string(ended.Reason)
	}
	return fmt.Sprint(err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct {
	authclient.NopObserver
}

func (NoopDisplayer) Banner(_, _ string)                              {}
func (NoopDisplayer) Warning(_ string)                                {}
func (NoopDisplayer) Working(_ string)                                {}
func (NoopDisplayer) LoggedIn(_, _ string)                            {}
func (NoopDisplayer) LoggedOut()                                      {}
func (NoopDisplayer) OrgSelected(_ string)                            {}
func (NoopDisplayer) CallResult(_, _ string, _ int, _ time.Duration) {}
func (NoopDisplayer) Finished(_ string)                               {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration)               {}
func (NoopDisplayer) Fatal(_ error)                                   {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL, profile string) {
	t.p.Send(MsgBanner{ServerURL: serverURL, Profile: profile})
}

func (t *ProgramDisplayer) Warning(text string) {
	t.p.Send(MsgWarning{Text: text})
}

func (t *ProgramDisplayer) Working(text string) {
	t.p.Send(MsgWorking{Text: text})
}

func (t *ProgramDisplayer) AccessTokenRejected(method, path string) {
	t.p.Send(MsgAccessTokenRejected{Method: method, Path: path})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) WaiterQueued() {
	t.p.Send(MsgWaiterQueued{})
}

func (t *ProgramDisplayer) Replaying(method, path string) {
	t.p.Send(MsgReplaying{Method: method, Path: path})
}

func (t *ProgramDisplayer) SessionEnded(err error) {
	t.p.Send(MsgSessionEnded{Err: err})
}

func (t *ProgramDisplayer) LoggedIn(email, orgID string) {
	t.p.Send(MsgLoggedIn{Email: email, OrgID: orgID})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) OrgSelected(orgID string) {
	t.p.Send(MsgOrgSelected{OrgID: orgID})
}

func (t *ProgramDisplayer) CallResult(method, path string, status int, elapsed time.Duration) {
	t.p.Send(MsgCallResult{Method: method, Path: path, Status: status, Elapsed: elapsed})
}

func (t *ProgramDisplayer) Finished(text string) {
	t.p.Send(MsgFinished{Text: text})
}

func (t *ProgramDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, TokenType: tokenType, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
