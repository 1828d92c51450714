package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DefaultHelixBaseURL is the production Helix API base.
const DefaultHelixBaseURL = "https://api.twitch.tv"

// TokenProvider supplies a current user access token for Helix calls.
type TokenProvider func(ctx context.Context) (string, error)

// HelixClient provides the one Helix method the runtime needs: resolving a
// channel login to its numeric user id for pubsub-style topic construction.
type HelixClient struct {
	ClientID     string
	Token        TokenProvider
	HelixBaseURL string
	HTTPClient   *http.Client
}

func (hc *HelixClient) base() string {
	if hc.HelixBaseURL != "" {
		return strings.TrimRight(hc.HelixBaseURL, "/")
	}
	return DefaultHelixBaseURL
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	tok, err := hc.Token(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/helix/users", nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("helix users request failed: %s", resp.Status)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}
