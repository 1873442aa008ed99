// internal/broker/idp.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"graphgate/pkg/faults"
)

// errRefreshRejected marks a definitive refusal by the identity provider
// (revoked or expired refresh material); the broker maps it to
// ReauthRequired and never retries it.
var errRefreshRejected = errors.New("idp: refresh material rejected")

// TokenResponse is the identity provider's token-endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// IDPClient speaks the authorization-code + PKCE wire contract.
type IDPClient struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	http         *http.Client
}

func NewIDPClient(authorizeURL, tokenURL, clientID, clientSecret string, timeout time.Duration) *IDPClient {
	return &IDPClient{
		AuthorizeURL: authorizeURL,
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		http:         &http.Client{Timeout: timeout},
	}
}

// AuthorizationURL builds the redirect target for the user-agent.
func (c *IDPClient) AuthorizationURL(scopes []string, state, challenge, redirectURI, loginHint string) string {
	q := url.Values{}
	q.Set("client_id", c.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURI)
	q.Set("response_mode", "query")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", ChallengeMethod)
	if loginHint != "" {
		q.Set("login_hint", loginHint)
	}
	return c.AuthorizeURL + "?" + q.Encode()
}

// Exchange trades an authorization code plus verifier for tokens.
func (c *IDPClient) Exchange(ctx context.Context, code, verifier, redirectURI string, scopes []string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", verifier)
	form.Set("scope", strings.Join(scopes, " "))
	if c.ClientSecret != "" {
		form.Set("client_secret", c.ClientSecret)
	}
	tr, status, err := c.post(ctx, form)
	if err != nil {
		return TokenResponse{}, err
	}
	if status >= 400 {
		return TokenResponse{}, faults.Newf(faults.UpstreamError, "token exchange failed with status %d", status)
	}
	return tr, nil
}

// Refresh trades refresh material for a fresh access token. A 4xx refusal
// is terminal; 5xx is transient.
func (c *IDPClient) Refresh(ctx context.Context, refreshToken string, scopes []string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(scopes, " "))
	if c.ClientSecret != "" {
		form.Set("client_secret", c.ClientSecret)
	}
	tr, status, err := c.post(ctx, form)
	if err != nil {
		return TokenResponse{}, err
	}
	if status >= 500 {
		return TokenResponse{}, faults.Newf(faults.UpstreamError, "token refresh failed with status %d", status)
	}
	if status >= 400 {
		return TokenResponse{}, errRefreshRejected
	}
	return tr, nil
}

func (c *IDPClient) post(ctx context.Context, form url.Values) (TokenResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return TokenResponse{}, 0, faults.New(faults.UpstreamError, "identity provider unreachable").WithCause(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, 0, err
	}
	if resp.StatusCode >= 400 {
		return TokenResponse{}, resp.StatusCode, nil
	}
	var tr TokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return TokenResponse{}, 0, faults.New(faults.UpstreamError, "malformed token response").WithCause(err)
	}
	return tr, resp.StatusCode, nil
}
