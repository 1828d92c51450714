// Package oauth owns the credential lifecycle for bot identities: the
// interactive authorization-code flow with its short-lived local callback
// listener, and the process-wide token cache that serializes refreshes per
// identity.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/perplexistential/twitch-creamery/telemetry"
	"github.com/perplexistential/twitch-creamery/tokenstore"
	"github.com/perplexistential/twitch-creamery/twitchapi"
)

// ErrAuthTimeout means the interactive flow did not receive a callback
// within the configured wait. The attempt failed; the caller decides whether
// to retry.
var ErrAuthTimeout = errors.New("oauth: timed out waiting for authorization callback")

// DefaultAuthorizeTimeout bounds the callback wait when no timeout is
// configured.
const DefaultAuthorizeTimeout = 3 * time.Minute

const confirmationPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Twitch-Creamery OAuth</title>
</head>
<body>
    <h1>Thanks for Authenticating!</h1>
You may now close this page.
</body>
</html>`

// Authenticator drives one identity's interactive authorization-code flow.
// Each Authorize call generates a fresh anti-forgery state token, binds a
// one-route listener on Host:Port, surfaces the consent URL through OpenURL,
// and waits (bounded) for the provider to redirect back with a code.
type Authenticator struct {
	API         *twitchapi.Client
	Host        string
	Port        int
	RedirectURI string
	Scopes      []string
	ForceVerify bool
	Timeout     time.Duration

	// OpenURL presents the consent URL to a human (browser launch or
	// operator instruction). When nil the URL is logged instead.
	OpenURL func(url string) error
}

func (a *Authenticator) redirectURI() string {
	if a.RedirectURI != "" {
		return a.RedirectURI
	}
	return "http://localhost:" + strconv.Itoa(a.Port)
}

func (a *Authenticator) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultAuthorizeTimeout
}

// Authorize runs the interactive flow and returns the exchanged token pair.
// The wait is cancellable through ctx and bounded by the configured timeout,
// which surfaces as ErrAuthTimeout.
func (a *Authenticator) Authorize(ctx context.Context) (tokenstore.TokenPair, error) {
	state := uuid.NewString()
	authURL, err := a.API.BuildAuthorizeURL(a.redirectURI(), a.Scopes, state, a.ForceVerify)
	if err != nil {
		return tokenstore.TokenPair{}, err
	}

	codeCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// A state mismatch is a cross-flow injection attempt; reject and
		// keep waiting for the legitimate callback.
		if r.URL.Query().Get("state") != state {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(confirmationPage)); err != nil {
			slog.Warn("failed to write confirmation page", slog.Any("err", err))
		}
		select {
		case codeCh <- code:
		default:
		}
	})

	addr := net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return tokenstore.TokenPair{}, fmt.Errorf("oauth: bind callback listener on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("oauth callback listener exited", slog.Any("err", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("oauth callback listener shutdown", slog.Any("err", err))
		}
	}()

	if a.OpenURL != nil {
		if err := a.OpenURL(authURL); err != nil {
			slog.Warn("failed to present consent URL", slog.Any("err", err))
			slog.Info("visit this URL to authorize", slog.String("url", authURL))
		}
	} else {
		slog.Info("visit this URL to authorize", slog.String("url", authURL))
	}

	timer := time.NewTimer(a.timeout())
	defer timer.Stop()
	var code string
	select {
	case code = <-codeCh:
	case <-timer.C:
		return tokenstore.TokenPair{}, ErrAuthTimeout
	case <-ctx.Done():
		return tokenstore.TokenPair{}, ctx.Err()
	}

	res, err := a.API.ExchangeAuthCode(ctx, code, a.redirectURI())
	if err != nil {
		return tokenstore.TokenPair{}, err
	}
	telemetry.InteractiveAuthsCompleted.Inc()
	return tokenstore.TokenPair{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ObtainedAt:   time.Now().UTC(),
		ExpiresAt:    twitchapi.ComputeExpiry(res.ExpiresIn),
	}, nil
}
