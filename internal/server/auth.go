package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/ameureka/ai-deepresearch-agent/internal/runtime"
)

// AuthHandler exchanges API keys for short-lived JWTs.
type AuthHandler struct {
	// Hashes are bcrypt hashes of the accepted API keys.
	Hashes []string
	Secret []byte
	TTL    time.Duration
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/token", a.token)
	g.POST("/logout", a.logout)
}

// Token
//
//	@Summary		Issue a token
//	@Description	Returns JWT in cookie and body; supports Bearer flows
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		TokenRequest	true	"API key"
//	@Success		200		{object}	TokenResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		401		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/auth/token [post]
func (a *AuthHandler) token(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "api_key is required")
	}
	if !a.accepts(key) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	ttl := a.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	signed, err := runtime.SignJWT(subjectForKey(key), a.Secret, ttl)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = signed
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	if os.Getenv("DEEPRESEARCH_ENV") == "prod" {
		cookie.Secure = true
	}
	c.SetCookie(cookie)
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

// Logout
//
//	@Summary	Logout
//	@Tags		auth
//	@Produce	json
//	@Success	200	{string}	string	"OK"
//	@Router		/api/auth/logout [post]
func (a *AuthHandler) logout(c echo.Context) error {
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = ""
	cookie.Path = "/"
	cookie.MaxAge = -1
	c.SetCookie(cookie)
	return c.NoContent(http.StatusOK)
}

func (a *AuthHandler) accepts(key string) bool {
	for _, h := range a.Hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// subjectForKey derives a stable owner id without exposing the key.
func subjectForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key_" + hex.EncodeToString(sum[:8])
}
