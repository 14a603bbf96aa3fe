package authclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/go-authgate/orgctl/credstore"
)

// Membership is one organization the user belongs to.
type Membership struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Profile is the authenticated user as returned by the me endpoint.
type Profile struct {
	ID           int64        `json:"id"`
	Email        string       `json:"email"`
	Orgs         []Membership `json:"orgs"`
	DefaultOrgID string       `json:"default_org_id"`
}

// Org is a newly created organization.
type Org struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Account is a newly registered user.
type Account struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// ErrInvalidOrgID is returned by UseOrg for ids that are not UUIDs.
var ErrInvalidOrgID = errors.New("invalid organization id")

// Login exchanges email and password for a token pair and stores it. When no
// organization is selected yet, the account's default organization is
// selected. The login call itself is never decorated.
func (c *Client) Login(ctx context.Context, email, password string) (*oauth2.Token, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, errors.New("email and password required")
	}

	tok, err := postTokenRequest(ctx, c.opts.tokenTransport, c.baseURL+c.opts.loginPath, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("login failed: no refresh token issued")
	}

	if err := credstore.SaveLogin(ctx, c.store, tok.AccessToken, tok.RefreshToken); err != nil {
		return nil, err
	}

	orgID, err := c.store.Get(ctx, credstore.SlotOrgID)
	if err != nil {
		return nil, fmt.Errorf("read active org: %w", err)
	}
	if orgID == "" {
		me, err := c.Me(ctx)
		if err != nil {
			return tok, fmt.Errorf("load profile: %w", err)
		}
		if me.DefaultOrgID != "" {
			if err := c.store.Set(ctx, credstore.SlotOrgID, me.DefaultOrgID); err != nil {
				return tok, fmt.Errorf("store active org: %w", err)
			}
		}
	}
	return tok, nil
}

// Logout forgets every credential.
func (c *Client) Logout(ctx context.Context) error {
	return credstore.ClearAll(ctx, c.store)
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, email, password string) (*Account, error) {
	var acct Account
	err := c.PostJSON(ctx, DefaultRegisterPath, map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	}, &acct)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Me returns the authenticated user and their memberships.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.GetJSON(ctx, DefaultMePath, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListOrgs returns the user's memberships.
func (c *Client) ListOrgs(ctx context.Context) ([]Membership, error) {
	var orgs []Membership
	if err := c.GetJSON(ctx, DefaultOrgsPath, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// CreateOrg creates an organization owned by the user.
func (c *Client) CreateOrg(ctx context.Context, name string) (*Org, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("organization name required")
	}
	var org Org
	if err := c.PostJSON(ctx, DefaultOrgsPath, map[string]string{"name": name}, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// CurrentOrg returns the active organization as seen by the server.
func (c *Client) CurrentOrg(ctx context.Context) (*Membership, error) {
	var m Membership
	if err := c.GetJSON(ctx, DefaultCurrentPath, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UseOrg selects the active organization sent with every request.
func (c *Client) UseOrg(ctx context.Context, orgID string) error {
	id, err := uuid.Parse(strings.TrimSpace(orgID))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidOrgID, orgID)
	}
	return c.store.Set(ctx, credstore.SlotOrgID, id.String())
}

// ActiveOrg returns the selected organization id, or "".
func (c *Client) ActiveOrg(ctx context.Context) (string, error) {
	return c.store.Get(ctx, credstore.SlotOrgID)
}
