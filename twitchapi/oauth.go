// Package twitchapi contains minimal clients for the Twitch identity
// endpoints (authorize, token, validate, revoke) and the Helix user API.
// Token-endpoint failures are mapped to typed errors so callers can tell a
// terminal rejection from a transient outage.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAuthBaseURL is the fixed identity-provider base for a deployment.
const DefaultAuthBaseURL = "https://id.twitch.tv"

// Terminal token-endpoint failures. Anything else non-2xx is transient and
// retriable with backoff.
var (
	// ErrInvalidRefreshToken means the refresh token itself was rejected;
	// only a new interactive authorization can recover.
	ErrInvalidRefreshToken = errors.New("twitchapi: refresh token invalid or expired")
	// ErrUnauthorized means both tokens are rejected (password change, app
	// disconnected); operator intervention is required.
	ErrUnauthorized = errors.New("twitchapi: not authorized")
)

// Client calls the identity-provider endpoints for one client id/secret
// pair. AuthBaseURL and HTTPClient are overridable for tests; zero values
// use the production endpoint and http.DefaultClient.
type Client struct {
	ClientID     string
	ClientSecret string
	AuthBaseURL  string
	HTTPClient   *http.Client
}

// TokenResponse is the token endpoint's reply for both the
// authorization_code and refresh_token grants.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ValidateResponse is the validate endpoint's token metadata.
type ValidateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

func (c *Client) base() string {
	if c.AuthBaseURL != "" {
		return strings.TrimRight(c.AuthBaseURL, "/")
	}
	return DefaultAuthBaseURL
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// BuildAuthorizeURL constructs the user authorization URL for the OAuth code
// grant, carrying the anti-forgery state token.
func (c *Client) BuildAuthorizeURL(redirectURI string, scopes []string, state string, forceVerify bool) (string, error) {
	if c.ClientID == "" || redirectURI == "" {
		return "", errors.New("twitchapi: missing client id or redirect URI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.ClientID)
	v.Set("redirect_uri", redirectURI)
	if len(scopes) > 0 {
		v.Set("scope", strings.Join(scopes, " "))
	}
	if state != "" {
		v.Set("state", state)
	}
	v.Set("force_verify", strconv.FormatBool(forceVerify))
	return c.base() + "/oauth2/authorize?" + v.Encode(), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func (c *Client) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" || redirectURI == "" {
		return nil, errors.New("twitchapi: missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	res, err := c.postToken(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("twitchapi: auth code exchange failed: %w", err)
	}
	return res, nil
}

// Refresh exchanges a refresh token for a new pair. A 400 from the provider
// maps to ErrInvalidRefreshToken and a 401 to ErrUnauthorized; any other
// non-success status is transient.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("twitchapi: missing client id/secret/refresh token")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	res, err := c.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusBadRequest:
			return nil, fmt.Errorf("%w: %s", ErrInvalidRefreshToken, strings.TrimSpace(string(b)))
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(b)))
		}
		return nil, fmt.Errorf("twitchapi: token request failed: %s: %s", resp.Status, string(b))
	}
	var res TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		return nil, errors.New("twitchapi: token response missing access or refresh token")
	}
	return &res, nil
}

// Validate returns metadata for an access token, or ErrUnauthorized when the
// token is no longer accepted.
func (c *Client) Validate(ctx context.Context, accessToken string) (*ValidateResponse, error) {
	if accessToken == "" {
		return nil, errors.New("twitchapi: empty access token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitchapi: validate failed: %s: %s", resp.Status, string(b))
	}
	var res ValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Revoke invalidates an access token at the provider. Best-effort; failure
// is reported but never fatal for a session.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	if c.ClientID == "" || accessToken == "" {
		return errors.New("twitchapi: missing client id or access token")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("token", accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/oauth2/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twitchapi: revoke failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to
// +60m when the provider did not communicate a lifetime.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
