package conversion

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

// Handler provides the REST conversion endpoints.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers conversion routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/convert", mw...)
	g.GET("", h.ConvertQuery)
	g.POST("", h.Convert)
	g.POST("/batch", h.ConvertBatch)
}

type convertRequest struct {
	Code        string `json:"code" validate:"required,max=16"`
	FromVersion string `json:"from_version" validate:"required"`
	ToVersion   string `json:"to_version" validate:"required"`
}

type batchRequest struct {
	Codes       []string `json:"codes" validate:"required,min=1"`
	FromVersion string   `json:"from_version" validate:"required"`
	ToVersion   string   `json:"to_version" validate:"required"`
}

func parseStandards(from, to string) (terminology.Standard, terminology.Standard, error) {
	f, err := terminology.ParseStandard(from)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "from_version: "+err.Error())
	}
	t, err := terminology.ParseStandard(to)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "to_version: "+err.Error())
	}
	return f, t, nil
}

// Convert handles POST /api/v1/convert
func (h *Handler) Convert(c echo.Context) error {
	var req convertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	return h.convert(c, req)
}

// ConvertQuery handles GET /api/v1/convert?code=...&from=...&to=...
func (h *Handler) ConvertQuery(c echo.Context) error {
	req := convertRequest{
		Code:        c.QueryParam("code"),
		FromVersion: c.QueryParam("from"),
		ToVersion:   c.QueryParam("to"),
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code parameter is required")
	}
	return h.convert(c, req)
}

func (h *Handler) convert(c echo.Context, req convertRequest) error {
	from, to, err := parseStandards(req.FromVersion, req.ToVersion)
	if err != nil {
		return err
	}
	res, err := h.engine.Convert(c.Request().Context(), req.Code, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ConvertBatch handles POST /api/v1/convert/batch
func (h *Handler) ConvertBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	from, to, err := parseStandards(req.FromVersion, req.ToVersion)
	if err != nil {
		return err
	}
	res, err := h.engine.ConvertBatch(c.Request().Context(), req.Codes, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func httpError(err error) error {
	if errors.Is(err, ErrInvalidRequest) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
