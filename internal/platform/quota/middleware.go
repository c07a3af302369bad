package quota

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/icdbridge/icdbridge/internal/platform/auth"
)

const (
	HeaderLimit     = "X-Quota-Limit"
	HeaderRemaining = "X-Quota-Remaining"
	HeaderReset     = "X-Quota-Reset"
)

// Middleware reserves one unit of quota before the handler runs. The unit is
// given back when the request timed out or failed with a 5xx. It must run
// after auth.Middleware.
func Middleware(g *Gateway, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			acct := auth.AccountFromContext(ctx)
			if acct == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}

			requestID, _ := c.Get("request_id").(string)
			adm, err := g.Admit(ctx, acct, c.Path(), requestID)
			if err != nil {
				var rl *RateLimitedError
				if errors.As(err, &rl) {
					setHeaders(c, rl.Limit, 0, rl.ResetAt)
					retry := int(math.Ceil(rl.ResetAt.Sub(g.now()).Seconds()))
					if retry < 1 {
						retry = 1
					}
					c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
					return echo.NewHTTPError(http.StatusTooManyRequests, map[string]interface{}{
						"message":   rl.Error(),
						"tier":      rl.Tier,
						"limit":     rl.Limit,
						"remaining": 0,
						"reset_at":  rl.ResetAt,
					})
				}
				logger.Error().Err(err).Str("account_id", acct.ID.String()).Msg("quota reservation failed")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "quota service unavailable")
			}

			setHeaders(c, adm.DailyLimit, adm.Remaining, adm.ResetAt)
			err = next(c)

			if served(ctx, c, err) {
				return err
			}
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if cerr := adm.Cancel(cancelCtx); cerr != nil {
				logger.Warn().Err(cerr).Str("account_id", acct.ID.String()).Msg("failed to release quota reservation")
			}
			return err
		}
	}
}

// served reports whether the request counts against the quota: anything
// except an abandoned request or a server-side failure. ctx is the context
// the reservation was made under.
func served(ctx context.Context, c echo.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	status := c.Response().Status
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		} else {
			status = http.StatusInternalServerError
		}
	}
	return status < http.StatusInternalServerError
}

func setHeaders(c echo.Context, limit, remaining int64, reset time.Time) {
	h := c.Response().Header()
	h.Set(HeaderLimit, strconv.FormatInt(limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(reset.Unix(), 10))
}

// Handler serves the caller's usage summary.
type Handler struct {
	gateway *Gateway
}

func NewHandler(g *Gateway) *Handler {
	return &Handler{gateway: g}
}

func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	api.GET("/usage", h.Usage, mw...)
}

// Usage handles GET /api/v1/usage.
func (h *Handler) Usage(c echo.Context) error {
	acct := auth.AccountFromContext(c.Request().Context())
	if acct == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}
	st, err := h.gateway.Status(c.Request().Context(), acct)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
