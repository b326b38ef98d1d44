// Package auth signs users in with Google and guards the API with the session
// cookie it issues.
package auth

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/sessions"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/google"

	"github.com/jimdaga/postflow/internal/config"
)

const providerName = "google"

var oauthEnabled atomic.Bool

// newStateStore builds the short-lived cookie store gothic keeps OAuth state
// in. It is separate from the application session, and Secure only in
// production so the flow works over plain HTTP on localhost.
func newStateStore(cfg *config.Config) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// InitProviders registers the Google provider. Without client credentials the
// login endpoints answer 503.
func InitProviders(cfg *config.Config, logger *slog.Logger) {
	gothic.Store = newStateStore(cfg)

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		oauthEnabled.Store(false)
		logger.Warn("Google OAuth credentials not set, login is disabled")
		return
	}

	goth.UseProviders(google.New(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.GoogleCallbackURL,
		"email",
		"profile",
	))
	oauthEnabled.Store(true)
	logger.Info("OAuth provider registered", "provider", providerName)
}

// OAuthEnabled reports whether InitProviders registered a provider.
func OAuthEnabled() bool {
	return oauthEnabled.Load()
}
