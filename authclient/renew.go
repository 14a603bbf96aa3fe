package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// Default endpoint paths, relative to the server URL.
const (
	DefaultRefreshPath  = "/api/auth/refresh/"
	DefaultLoginPath    = "/api/auth/login/"
	DefaultRegisterPath = "/api/auth/register/"
	DefaultMePath       = "/api/auth/me/"
	DefaultOrgsPath     = "/api/orgs/"
	DefaultCurrentPath  = "/api/orgs/current/"
)

const maxErrorBody = 64 << 10

// Renewer exchanges a refresh token for a new access token. The returned
// token's RefreshToken is empty when the server did not issue a new one.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

func (f RenewerFunc) Renew(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, refreshToken)
}

// HTTPRenewer calls the credential-renewal endpoint. It never attaches the
// access token: the refresh token in the body is the only credential.
// Transport must not retry.
type HTTPRenewer struct {
	URL       string
	Transport Transport
}

func (r *HTTPRenewer) Renew(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is empty")
	}
	tok, err := postTokenRequest(ctx, r.Transport, r.URL, map[string]string{
		"refresh": refreshToken,
	})
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && isRejectedRefresh(retrieveErr) {
			return nil, fmt.Errorf("%w: %w", ErrRefreshTokenExpired, err)
		}
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	return tok, nil
}

func isRejectedRefresh(e *oauth2.RetrieveError) bool {
	if e.ErrorCode == "token_not_valid" || e.ErrorCode == "invalid_grant" {
		return true
	}
	return e.Response != nil && e.Response.StatusCode == http.StatusUnauthorized
}

// tokenResponse is the body of the login and refresh endpoints.
type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// validateTokenResponse validates a token endpoint response
func validateTokenResponse(accessToken string) error {
	if accessToken == "" {
		return errors.New("access token is empty")
	}
	if len(accessToken) < 10 {
		return fmt.Errorf("access token is too short (length: %d)", len(accessToken))
	}
	return nil
}

// postTokenRequest POSTs body as JSON to a token endpoint and parses the
// issued pair. Non-2xx responses become *oauth2.RetrieveError.
func postTokenRequest(
	ctx context.Context,
	transport Transport,
	tokenURL string,
	body any,
) (*oauth2.Token, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		tokenURL,
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := transport.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retrieveErr := &oauth2.RetrieveError{
			Response: resp,
			Body:     respBody,
		}
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil {
			retrieveErr.ErrorCode = errResp.Code
			retrieveErr.ErrorDescription = errResp.Detail
		}
		return nil, retrieveErr
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(tokenResp.Access); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.Access,
		RefreshToken: tokenResp.Refresh,
		TokenType:    "Bearer",
	}
	if exp, err := TokenExpiry(tokenResp.Access); err == nil {
		token.Expiry = exp
	}
	return token, nil
}
