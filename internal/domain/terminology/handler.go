package terminology

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/icdbridge/icdbridge/pkg/pagination"
)

// Handler provides REST endpoints for the code catalog.
type Handler struct {
	svc *Service
}

// NewHandler creates a new terminology handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers catalog routes on the API group. mw is applied to
// every route (authentication and metering).
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/codes", mw...)
	g.GET("/search", h.Search)
	g.GET("/:standard/family/:prefix", h.Family)
	g.GET("/:standard/:code", h.Lookup)
}

type codeResponse struct {
	Code
	Display string `json:"display"`
	System  string `json:"system"`
}

func toResponse(c Code) codeResponse {
	return codeResponse{Code: c, Display: Display(c.Standard, c.Value), System: c.Standard.SystemURI()}
}

// Lookup handles GET /api/v1/codes/:standard/:code
func (h *Handler) Lookup(c echo.Context) error {
	std, err := ParseStandard(c.Param("standard"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	code, err := h.svc.Lookup(c.Request().Context(), std, c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toResponse(*code))
}

// Family handles GET /api/v1/codes/:standard/family/:prefix
func (h *Handler) Family(c echo.Context) error {
	std, err := ParseStandard(c.Param("standard"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	codes, total, err := h.svc.Family(c.Request().Context(), std, c.Param("prefix"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	out := make([]codeResponse, 0, len(codes))
	for _, code := range codes {
		out = append(out, toResponse(code))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg.Limit, pg.Offset))
}

// Search handles GET /api/v1/codes/search?q=...
func (h *Handler) Search(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit > pagination.MaxLimit {
		limit = pagination.MaxLimit
	}
	codes, err := h.svc.Search(c.Request().Context(), c.QueryParam("q"), limit)
	if err != nil {
		return httpError(err)
	}
	out := make([]codeResponse, 0, len(codes))
	for _, code := range codes {
		out = append(out, toResponse(code))
	}
	return c.JSON(http.StatusOK, out)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrUnknownStandard):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
