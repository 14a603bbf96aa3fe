package authclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/go-authgate/orgctl/credstore"
)

func staleStore() *credstore.MemoryStore {
	return credstore.NewMemoryStore(credstore.Credentials{
		AccessToken:  tokenA,
		RefreshToken: refreshR,
		OrgID:        testOrg,
	})
}

// fireConcurrent issues n GETs to path at once and returns responses and
// errors indexed by caller.
func fireConcurrent(t *testing.T, c *Client, path string, n int) ([]*http.Response, []error) {
	t.Helper()
	resps := make([]*http.Response, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(
				context.Background(),
				http.MethodGet,
				c.BaseURL()+path,
				nil,
			)
			if err != nil {
				errs[i] = err
				return
			}
			resps[i], errs[i] = c.Do(context.Background(), req)
			if resps[i] != nil {
				_, _ = io.Copy(io.Discard, resps[i].Body)
				resps[i].Body.Close()
			}
		}(i)
	}
	wg.Wait()
	return resps, errs
}

func TestDoConcurrent401sShareOneRefresh(t *testing.T) {
	tests := []struct {
		name    string
		callers int
	}{
		{"single caller", 1},
		{"five callers", 5},
		{"twenty callers", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t)
			obs := newCountingObserver(tt.callers - 1)
			if tt.callers > 1 {
				api.set(func(api *fakeAPI) { api.gate = obs.allQueued })
			}
			store := staleStore()
			c := newTestClient(t, api.URL(), store, WithObserver(obs))

			resps, errs := fireConcurrent(t, c, "/api/items/", tt.callers)

			for i := range tt.callers {
				if errs[i] != nil {
					t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
				}
				if resps[i].StatusCode != http.StatusOK {
					t.Errorf("caller %d: status = %d, want 200", i, resps[i].StatusCode)
				}
			}

			if got := api.refreshCalls.Load(); got != 1 {
				t.Errorf("refresh calls = %d, want 1", got)
			}
			if got := obs.queued.Load(); got != int32(tt.callers-1) {
				t.Errorf("queued waiters = %d, want %d", got, tt.callers-1)
			}
			if got := obs.replays.Load(); got != int32(tt.callers) {
				t.Errorf("replays = %d, want %d", got, tt.callers)
			}

			seen := api.seenRequests()
			if len(seen) != tt.callers {
				t.Fatalf("accepted requests = %d, want %d", len(seen), tt.callers)
			}
			for _, s := range seen {
				if s.Authorization != "Bearer "+tokenB {
					t.Errorf("replayed Authorization = %q, want Bearer %s", s.Authorization, tokenB)
				}
				if s.OrgID != testOrg {
					t.Errorf("replayed X-Org-Id = %q, want %s", s.OrgID, testOrg)
				}
			}

			creds, _ := credstore.Snapshot(context.Background(), store)
			want := credstore.Credentials{AccessToken: tokenB, RefreshToken: refreshR, OrgID: testOrg}
			if creds != want {
				t.Errorf("store = %+v, want %+v", creds, want)
			}
			if c.Coordinator().State() != StateIdle {
				t.Errorf("coordinator state = %v, want idle", c.Coordinator().State())
			}
		})
	}
}

func TestDoRefreshFailureFailsEveryWaiter(t *testing.T) {
	const callers = 4

	api := newFakeAPI(t)
	obs := newCountingObserver(callers - 1)
	api.set(func(api *fakeAPI) {
		api.gate = obs.allQueued
		api.refreshStatus = http.StatusUnauthorized
	})
	store := staleStore()

	var (
		reportMu sync.Mutex
		reported []error
	)
	c := newTestClient(t, api.URL(), store,
		WithObserver(obs),
		WithErrorReporter(func(err error) {
			reportMu.Lock()
			reported = append(reported, err)
			reportMu.Unlock()
		}),
	)

	resps, errs := fireConcurrent(t, c, "/api/items/", callers)

	for i := range callers {
		if resps[i] != nil {
			t.Errorf("caller %d: got response %d, want nil", i, resps[i].StatusCode)
		}
		if !errors.Is(errs[i], ErrSessionEnded) {
			t.Fatalf("caller %d: error = %v, want ErrSessionEnded", i, errs[i])
		}
		if !errors.Is(errs[i], ErrRefreshTokenExpired) {
			t.Errorf("caller %d: error = %v, want ErrRefreshTokenExpired in chain", i, errs[i])
		}
		if errs[i] != errs[0] {
			t.Errorf("caller %d received a different error value than caller 0", i)
		}
	}

	var ended *SessionEndedError
	if !errors.As(errs[0], &ended) || ended.Reason != ReasonRefreshFailed {
		t.Errorf("reason = %v, want %s", ended, ReasonRefreshFailed)
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := obs.replays.Load(); got != 0 {
		t.Errorf("replays = %d, want 0", got)
	}
	if got := obs.ended.Load(); got != 1 {
		t.Errorf("session ended events = %d, want 1", got)
	}
	if len(reported) != 1 {
		t.Errorf("reported errors = %d, want 1", len(reported))
	}

	creds, _ := credstore.Snapshot(context.Background(), store)
	if !creds.IsZero() {
		t.Errorf("store not cleared: %+v", creds)
	}
}

func TestDoRenewalServerErrorIsSentOnce(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			api := newFakeAPI(t)
			api.set(func(api *fakeAPI) { api.refreshStatus = status })
			store := staleStore()
			c := newTestClient(t, api.URL(), store)

			req, _ := http.NewRequest(http.MethodGet, api.URL()+"/api/items/", nil)
			resp, err := c.Do(context.Background(), req)
			if resp != nil {
				t.Errorf("got response %d, want nil", resp.StatusCode)
			}

			var ended *SessionEndedError
			if !errors.As(err, &ended) || ended.Reason != ReasonRefreshFailed {
				t.Fatalf("error = %v, want %s", err, ReasonRefreshFailed)
			}
			var retrieveErr *oauth2.RetrieveError
			if !errors.As(err, &retrieveErr) || retrieveErr.Response.StatusCode != status {
				t.Errorf("error = %v, want RetrieveError with status %d", err, status)
			}
			if got := api.refreshCalls.Load(); got != 1 {
				t.Errorf("refresh calls = %d, want 1", got)
			}

			creds, _ := credstore.Snapshot(context.Background(), store)
			if !creds.IsZero() {
				t.Errorf("store not cleared: %+v", creds)
			}
		})
	}
}

func TestDoWithoutRefreshTokenEndsSession(t *testing.T) {
	api := newFakeAPI(t)
	store := credstore.NewMemoryStore(credstore.Credentials{AccessToken: tokenA, OrgID: testOrg})
	c := newTestClient(t, api.URL(), store)

	req, _ := http.NewRequest(http.MethodGet, api.URL()+"/api/items/", nil)
	resp, err := c.Do(context.Background(), req)
	if resp != nil {
		t.Fatalf("got response %d, want nil", resp.StatusCode)
	}

	var ended *SessionEndedError
	if !errors.As(err, &ended) {
		t.Fatalf("error = %v, want *SessionEndedError", err)
	}
	if ended.Reason != ReasonNoRefreshToken {
		t.Errorf("reason = %s, want %s", ended.Reason, ReasonNoRefreshToken)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("cause = %v, want 401 *StatusError", err)
	}
	if !IsUnauthorized(err) {
		t.Error("IsUnauthorized() = false, want true")
	}
	if got := api.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}

	creds, _ := credstore.Snapshot(context.Background(), store)
	if !creds.IsZero() {
		t.Errorf("store not cleared: %+v", creds)
	}
}

func TestDoReplayIsNotRetried(t *testing.T) {
	api := newFakeAPI(t)
	api.set(func(api *fakeAPI) { api.alwaysReject = true })
	store := staleStore()
	c := newTestClient(t, api.URL(), store)

	req, _ := http.NewRequest(http.MethodGet, api.URL()+"/api/items/", nil)
	resp, err := c.Do(context.Background(), req)
	if resp != nil {
		t.Fatalf("got response %d, want nil", resp.StatusCode)
	}

	var ended *SessionEndedError
	if !errors.As(err, &ended) || ended.Reason != ReasonRejectedAfterRetry {
		t.Fatalf("error = %v, want session ended with %s", err, ReasonRejectedAfterRetry)
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := api.rejected.Load(); got != 2 {
		t.Errorf("rejected requests = %d, want 2", got)
	}

	creds, _ := credstore.Snapshot(context.Background(), store)
	if !creds.IsZero() {
		t.Errorf("store not cleared: %+v", creds)
	}
}

func TestDoPassesThroughNon401(t *testing.T) {
	api := newFakeAPI(t)
	store := staleStore()
	c := newTestClient(t, api.URL(), store)

	req, _ := http.NewRequest(http.MethodGet, api.URL()+"/api/forbidden/", nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Not a member") {
		t.Errorf("body = %q, want server body untouched", body)
	}
	if got := api.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}

	creds, _ := credstore.Snapshot(context.Background(), store)
	if creds.AccessToken != tokenA || creds.RefreshToken != refreshR {
		t.Errorf("store changed on 403: %+v", creds)
	}
}

func TestDoPassesThroughTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := staleStore()
	c, err := New(url, store, WithTransport(HTTPDoer{Client: http.DefaultClient}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, url+"/api/items/", nil)
	_, err = c.Do(context.Background(), req)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if errors.Is(err, ErrSessionEnded) {
		t.Errorf("transport error must not end the session: %v", err)
	}

	creds, _ := credstore.Snapshot(context.Background(), store)
	if creds.AccessToken != tokenA {
		t.Errorf("store changed on transport error: %+v", creds)
	}
}

func TestDoReplaysRequestBody(t *testing.T) {
	api := newFakeAPI(t)
	store := staleStore()
	c := newTestClient(t, api.URL(), store)

	const payload = `{"title":"quarterly report"}`
	req, _ := http.NewRequest(http.MethodPost, api.URL()+"/api/items/", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	seen := api.seenRequests()
	if len(seen) != 1 {
		t.Fatalf("accepted requests = %d, want 1", len(seen))
	}
	if seen[0].Body != payload {
		t.Errorf("replayed body = %q, want %q", seen[0].Body, payload)
	}
}

func TestDoRefreshDoesNotCarryAccessToken(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api.URL(), staleStore())

	if err := c.GetJSON(context.Background(), "/api/items/", nil); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.refreshSeen) != 1 || api.refreshSeen[0] != refreshR {
		t.Errorf("refresh bodies = %v, want [%s]", api.refreshSeen, refreshR)
	}
	if api.refreshAuth[0] != "" {
		t.Errorf("refresh Authorization = %q, want none", api.refreshAuth[0])
	}
}

func TestDoRotation(t *testing.T) {
	tests := []struct {
		name        string
		rotation    RotationPolicy
		issued      string
		wantRefresh string
	}{
		{"rotate adopts issued token", RotateWhenIssued, "refresh-token-R2", "refresh-token-R2"},
		{"rotate keeps stored when none issued", RotateWhenIssued, "", refreshR},
		{"fixed ignores issued token", RotateNever, "refresh-token-R2", refreshR},
		{"fixed without issued token", RotateNever, "", refreshR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t)
			api.set(func(api *fakeAPI) { api.issueRefresh = tt.issued })
			store := staleStore()
			c := newTestClient(t, api.URL(), store, WithRotation(tt.rotation))

			if err := c.GetJSON(context.Background(), "/api/items/", nil); err != nil {
				t.Fatalf("GetJSON() error = %v", err)
			}

			creds, _ := credstore.Snapshot(context.Background(), store)
			if creds.AccessToken != tokenB {
				t.Errorf("access token = %q, want %q", creds.AccessToken, tokenB)
			}
			if creds.RefreshToken != tt.wantRefresh {
				t.Errorf("refresh token = %q, want %q", creds.RefreshToken, tt.wantRefresh)
			}
			if creds.OrgID != testOrg {
				t.Errorf("org id = %q, want unchanged", creds.OrgID)
			}
		})
	}
}

func TestDoJSONStatusError(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api.URL(), staleStore())

	err := c.GetJSON(context.Background(), "/api/forbidden/", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", statusErr.StatusCode)
	}
	if !strings.Contains(statusErr.Error(), "Not a member") {
		t.Errorf("error = %q, want server detail", statusErr.Error())
	}
}

func TestNewValidation(t *testing.T) {
	store := credstore.NewMemoryStore(credstore.Credentials{})
	tests := []struct {
		name    string
		baseURL string
		store   credstore.Store
	}{
		{"empty URL", "", store},
		{"nil store", "http://localhost:8000", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.baseURL, tt.store); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewTrimsTrailingSlash(t *testing.T) {
	c, err := New("http://localhost:8000/", credstore.NewMemoryStore(credstore.Credentials{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.BaseURL() != "http://localhost:8000" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
}

func BenchmarkDoAuthorized(b *testing.B) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := credstore.NewMemoryStore(credstore.Credentials{AccessToken: tokenA, OrgID: testOrg})
	c, err := New(srv.URL, store, WithTransport(HTTPDoer{Client: srv.Client()}))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/items/%d", srv.URL, i), nil)
		resp, err := c.Do(context.Background(), req)
		if err != nil {
			b.Fatal(err)
		}
		resp.Body.Close()
	}
}
