package mapping

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

// StoreSource yields the mapping store of the current data snapshot.
type StoreSource interface {
	Mappings() *Store
}

// Handler exposes raw GEM edges.
type Handler struct {
	src StoreSource
}

func NewHandler(src StoreSource) *Handler {
	return &Handler{src: src}
}

// RegisterRoutes registers mapping routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/mappings", mw...)
	g.GET("/:standard/:code", h.Lookup)
}

type lookupResponse struct {
	Standard terminology.Standard `json:"standard"`
	Code     string               `json:"code"`
	Edges    []Edge               `json:"edges"`
}

// Lookup handles GET /api/v1/mappings/:standard/:code
func (h *Handler) Lookup(c echo.Context) error {
	std, err := terminology.ParseStandard(c.Param("standard"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key := terminology.Key(c.Param("code"))
	if !terminology.ValidSyntax(std, key) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid "+std.Label()+" code: "+c.Param("code"))
	}
	return c.JSON(http.StatusOK, lookupResponse{
		Standard: std,
		Code:     key,
		Edges:    h.src.Mappings().Lookup(std, key),
	})
}
