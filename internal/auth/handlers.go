package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/markbates/goth/gothic"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/models"
)

const sessionUserKey = "user_id"

// HandleLogin initiates the Google OAuth flow
func HandleLogin(c *gin.Context) {
	if !OAuthEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login is not configured"})
		return
	}
	setProvider(c)
	gothic.BeginAuthHandler(c.Writer, c.Request)
}

// setProvider adds the "provider" query parameter gothic looks for.
func setProvider(c *gin.Context) {
	q := c.Request.URL.Query()
	q.Set("provider", providerName)
	c.Request.URL.RawQuery = q.Encode()
}

// HandleCallback completes the OAuth flow, upserts the user and stores the user
// ID in the session. The browser is sent back to redirectURL either way.
func HandleCallback(db *gorm.DB, logger *slog.Logger, redirectURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !OAuthEnabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login is not configured"})
			return
		}
		setProvider(c)

		gothUser, err := gothic.CompleteUserAuth(c.Writer, c.Request)
		if err != nil {
			logger.Warn("OAuth callback failed", "error", err)
			c.Redirect(http.StatusFound, redirectURL+"?error=auth_failed")
			return
		}

		user, err := UpsertUser(db, gothUser.Email, gothUser.Name, gothUser.AvatarURL)
		if err != nil {
			logger.Error("Failed to upsert user", "email", gothUser.Email, "error", err)
			c.Redirect(http.StatusFound, redirectURL+"?error=auth_failed")
			return
		}

		if err := Login(c, user); err != nil {
			logger.Error("Session save error", "error", err)
			c.Redirect(http.StatusFound, redirectURL+"?error=session_failed")
			return
		}

		logger.Info("User authenticated", "user_id", user.ID.String())
		c.Redirect(http.StatusFound, redirectURL)
	}
}

// HandleLogout clears the session.
func HandleLogout(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		session.Clear()
		session.Options(sessions.Options{Path: "/", MaxAge: -1})
		if err := session.Save(); err != nil {
			logger.Warn("Session clear error", "error", err)
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleMe returns the signed-in user.
func HandleMe(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// Login stores user in the session.
func Login(c *gin.Context, user *models.User) error {
	session := sessions.Default(c)
	session.Set(sessionUserKey, user.ID.String())
	return session.Save()
}

// UpsertUser creates the user for email or refreshes its profile and login time.
func UpsertUser(db *gorm.DB, email, name, avatarURL string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("provider returned no email")
	}
	now := time.Now().UTC()

	var user models.User
	err := db.Where("email = ?", email).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{Email: email, Name: name, AvatarURL: avatarURL, LastLoginAt: &now}
		if err := db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("find user: %w", err)
	default:
		if err := db.Model(&user).Updates(map[string]interface{}{
			"name":          name,
			"avatar_url":    avatarURL,
			"last_login_at": now,
		}).Error; err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}
	return &user, nil
}
