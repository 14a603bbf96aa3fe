package authclient

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"

	"github.com/go-authgate/orgctl/credstore"
)

const (
	tokenA   = "access-token-A"
	tokenB   = "access-token-B"
	refreshR = "refresh-token-R"
	testOrg  = "0b9f1a52-6a1c-4d55-9d0e-2f0c8f3f2a11"
)

// seenRequest is what the fake API observed on a resource call it accepted.
type seenRequest struct {
	Path          string
	Authorization string
	OrgID         string
	Body          string
}

// fakeAPI mimics the organization backend: bearer-protected resources, a
// refresh endpoint and a login endpoint.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	validToken    string
	issueToken    string
	issueRefresh  string
	refreshStatus int
	alwaysReject  bool
	gate          <-chan struct{}
	seen          []seenRequest
	refreshSeen   []string
	refreshAuth   []string
	profile       Profile

	refreshCalls atomic.Int32
	rejected     atomic.Int32
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		t:          t,
		validToken: tokenB,
		issueToken: tokenB,
		profile: Profile{
			ID:           1,
			Email:        "a@a.com",
			Orgs:         []Membership{{ID: testOrg, Name: "Acme", Role: "owner"}},
			DefaultOrgID: testOrg,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/refresh/", api.handleRefresh)
	mux.HandleFunc("/api/auth/login/", api.handleLogin)
	mux.HandleFunc("/api/auth/me/", api.protected(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		p := api.profile
		api.mu.Unlock()
		writeJSON(w, http.StatusOK, p)
	}))
	mux.HandleFunc("/api/orgs/current/", api.protected(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(HeaderOrgID)
		if orgID == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "X-Org-Id header required"})
			return
		}
		writeJSON(w, http.StatusOK, Membership{ID: orgID, Name: "Acme", Role: "owner"})
	}))
	mux.HandleFunc("/api/orgs/", api.protected(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var in map[string]string
			_ = json.NewDecoder(r.Body).Decode(&in)
			writeJSON(w, http.StatusCreated, Org{ID: testOrg, Name: in["name"]})
			return
		}
		writeJSON(w, http.StatusOK, api.profile.Orgs)
	}))
	mux.HandleFunc("/api/items/", api.protected(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	mux.HandleFunc("/api/auth/register/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["email"] == "a@a.com" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "Email already registered"})
			return
		}
		writeJSON(w, http.StatusCreated, Account{ID: 7, Email: in["email"]})
	})
	mux.HandleFunc("/api/forbidden/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Detail: "Not a member of this org"})
	})

	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (api *fakeAPI) URL() string { return api.srv.URL }

func (api *fakeAPI) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		api.mu.Lock()
		ok := !api.alwaysReject && r.Header.Get(HeaderAuthorization) == "Bearer "+api.validToken
		if ok {
			api.seen = append(api.seen, seenRequest{
				Path:          r.URL.Path,
				Authorization: r.Header.Get(HeaderAuthorization),
				OrgID:         r.Header.Get(HeaderOrgID),
				Body:          string(body),
			})
		}
		api.mu.Unlock()

		if !ok {
			api.rejected.Add(1)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Detail: "Given token not valid for any token type",
				Code:   "token_not_valid",
			})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}

func (api *fakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	api.refreshCalls.Add(1)

	var in map[string]string
	_ = json.NewDecoder(r.Body).Decode(&in)

	api.mu.Lock()
	api.refreshSeen = append(api.refreshSeen, in["refresh"])
	api.refreshAuth = append(api.refreshAuth, r.Header.Get(HeaderAuthorization))
	gate := api.gate
	api.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-time.After(5 * time.Second):
			api.t.Errorf("refresh gate never opened")
		}
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	if api.refreshStatus != 0 && api.refreshStatus != http.StatusOK {
		writeJSON(w, api.refreshStatus, ErrorResponse{
			Detail: "Token is invalid or expired",
			Code:   "token_not_valid",
		})
		return
	}

	api.validToken = api.issueToken
	resp := map[string]string{"access": api.issueToken}
	if api.issueRefresh != "" {
		resp["refresh"] = api.issueRefresh
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *fakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in map[string]string
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in["email"] != "a@a.com" || in["password"] != "Pass1234!" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Detail: "No active account found with the given credentials",
		})
		return
	}

	api.mu.Lock()
	token := api.validToken
	api.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"access": token, "refresh": refreshR})
}

func (api *fakeAPI) set(fn func(api *fakeAPI)) {
	api.mu.Lock()
	defer api.mu.Unlock()
	fn(api)
}

func (api *fakeAPI) seenRequests() []seenRequest {
	api.mu.Lock()
	defer api.mu.Unlock()
	return append([]seenRequest(nil), api.seen...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newTestClient builds a client on the retrying transport, as production does.
func newTestClient(t *testing.T, baseURL string, store credstore.Store, opts ...Option) *Client {
	t.Helper()
	retryClient, err := retry.NewClient()
	if err != nil {
		t.Fatalf("failed to create retry client: %v", err)
	}
	c, err := New(baseURL, store, append([]Option{WithTransport(retryClient)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// countingObserver counts events and closes allQueued once target callers
// are parked behind the refresh.
type countingObserver struct {
	NopObserver

	target    int32
	allQueued chan struct{}
	once      sync.Once

	queued    atomic.Int32
	rejected  atomic.Int32
	replays   atomic.Int32
	refreshOK atomic.Int32
	failed    atomic.Int32
	ended     atomic.Int32
}

func newCountingObserver(target int) *countingObserver {
	return &countingObserver{target: int32(target), allQueued: make(chan struct{})}
}

func (o *countingObserver) WaiterQueued() {
	if o.queued.Add(1) == o.target {
		o.once.Do(func() { close(o.allQueued) })
	}
}

func (o *countingObserver) AccessTokenRejected(_, _ string) { o.rejected.Add(1) }
func (o *countingObserver) Replaying(_, _ string)           { o.replays.Add(1) }
func (o *countingObserver) RefreshOK()                      { o.refreshOK.Add(1) }
func (o *countingObserver) RefreshFailed(_ error)           { o.failed.Add(1) }
func (o *countingObserver) SessionEnded(_ error)            { o.ended.Add(1) }
