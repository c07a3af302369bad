package comorbidity

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// StoreSource yields the overlays of the current data snapshot.
type StoreSource interface {
	Overlays() *Store
}

// Handler serves the Elixhauser, Charlson and CMS-HCC overlays.
type Handler struct {
	src StoreSource
}

func NewHandler(src StoreSource) *Handler {
	return &Handler{src: src}
}

// RegisterRoutes registers overlay routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/overlay", mw...)
	g.GET("/flags", h.Flags)
	g.GET("/flags/categories", h.Categories)
	g.GET("/score", h.Score)
	g.GET("/score/conditions", h.Conditions)
	g.GET("/hcc", h.HCC)
	g.POST("/profile", h.Profile)
}

// Flags handles GET /api/v1/overlay/flags?code=...
func (h *Handler) Flags(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code parameter is required")
	}
	return c.JSON(http.StatusOK, h.src.Overlays().ClassifyFlags(code))
}

// Categories handles GET /api/v1/overlay/flags/categories
func (h *Handler) Categories(c echo.Context) error {
	return c.JSON(http.StatusOK, h.src.Overlays().Categories())
}

// Score handles GET /api/v1/overlay/score?code=...
func (h *Handler) Score(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code parameter is required")
	}
	return c.JSON(http.StatusOK, h.src.Overlays().ClassifyScore(code))
}

// Conditions handles GET /api/v1/overlay/score/conditions
func (h *Handler) Conditions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.src.Overlays().Conditions())
}

// HCC handles GET /api/v1/overlay/hcc?code=...
func (h *Handler) HCC(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code parameter is required")
	}
	return c.JSON(http.StatusOK, h.src.Overlays().ClassifyHCC(code))
}

type profileRequest struct {
	Codes []string `json:"codes" validate:"required,min=1,max=1000,dive,required"`
}

// Profile handles POST /api/v1/overlay/profile
func (h *Handler) Profile(c echo.Context) error {
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.src.Overlays().Profile(req.Codes))
}
