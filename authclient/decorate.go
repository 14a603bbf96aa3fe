package authclient

import (
	"net/http"

	"github.com/go-authgate/orgctl/credstore"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderOrgID         = "X-Org-Id"
)

// Decorate returns a copy of req carrying the credentials: a bearer
// Authorization header when an access token is present and an X-Org-Id
// header when an organization is selected. req itself is not modified.
func Decorate(req *http.Request, creds credstore.Credentials) *http.Request {
	out := req.Clone(req.Context())
	if creds.AccessToken != "" {
		out.Header.Set(HeaderAuthorization, "Bearer "+creds.AccessToken)
	}
	if creds.OrgID != "" {
		out.Header.Set(HeaderOrgID, creds.OrgID)
	}
	return out
}
