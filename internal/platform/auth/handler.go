package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/icdbridge/icdbridge/internal/domain/account"
	"github.com/icdbridge/icdbridge/pkg/pagination"
)

// Handler provides registration, token and API key management endpoints.
type Handler struct {
	accounts *account.Service
	keys     *APIKeyManager
	tokens   *TokenIssuer
}

func NewHandler(accounts *account.Service, keys *APIKeyManager, tokens *TokenIssuer) *Handler {
	return &Handler{accounts: accounts, keys: keys, tokens: tokens}
}

// RegisterRoutes registers /auth routes. register and token are public; the
// rest require authMW.
func (h *Handler) RegisterRoutes(api *echo.Group, authMW echo.MiddlewareFunc) {
	g := api.Group("/auth")
	g.POST("/register", h.Register)
	g.POST("/token", h.Token)
	g.GET("/me", h.Me, authMW)
	g.POST("/api-keys", h.CreateKey, authMW)
	g.GET("/api-keys", h.ListKeys, authMW)
	g.DELETE("/api-keys/:id", h.RevokeKey, authMW)
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	FullName string `json:"full_name" validate:"max=255"`
}

type tokenRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type createKeyRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

type meResponse struct {
	*account.Account
	EffectiveTier string `json:"effective_tier"`
}

// Register handles POST /api/v1/auth/register. New accounts start on the
// free tier.
func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	a, err := h.accounts.Register(c.Request().Context(), account.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	switch {
	case errors.Is(err, account.ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, "email already registered")
	case errors.Is(err, account.ErrInvalidAccount):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// Token handles POST /api/v1/auth/token, exchanging email and password for a
// bearer token.
func (h *Handler) Token(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	a, err := h.accounts.VerifyPassword(c.Request().Context(), req.Email, req.Password)
	if errors.Is(err, account.ErrInvalidCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid email or password")
	}
	if err != nil {
		return err
	}
	if !a.IsActive() {
		return echo.NewHTTPError(http.StatusUnauthorized, "account is not active")
	}

	token, exp, err := h.tokens.Issue(a)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.tokens.TTL().Seconds()),
		ExpiresAt:   exp,
	})
}

// Me handles GET /api/v1/auth/me.
func (h *Handler) Me(c echo.Context) error {
	a := AccountFromContext(c.Request().Context())
	if a == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}
	return c.JSON(http.StatusOK, meResponse{Account: a, EffectiveTier: a.EffectiveTier()})
}

// CreateKey handles POST /api/v1/auth/api-keys. The raw key is returned once.
func (h *Handler) CreateKey(c echo.Context) error {
	a := AccountFromContext(c.Request().Context())
	if a == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}
	var req createKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	key, rawKey, err := h.keys.GenerateKey(c.Request().Context(), a.ID, req.Name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create api key")
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"key":     key,
		"raw_key": rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /api/v1/auth/api-keys.
func (h *Handler) ListKeys(c echo.Context) error {
	a := AccountFromContext(c.Request().Context())
	if a == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}
	pg := pagination.FromContext(c)
	keys, total, err := h.keys.ListKeys(c.Request().Context(), a.ID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list api keys")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(keys, total, pg.Limit, pg.Offset))
}

// RevokeKey handles DELETE /api/v1/auth/api-keys/:id.
func (h *Handler) RevokeKey(c echo.Context) error {
	a := AccountFromContext(c.Request().Context())
	if a == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid key id")
	}

	if err := h.keys.RevokeKey(c.Request().Context(), a.ID, id); err != nil {
		if errors.Is(err, account.ErrKeyNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "api key not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke api key")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "revoked",
		"message": "api key has been revoked",
	})
}
