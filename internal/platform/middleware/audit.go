package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Audit writes one structured event per state-changing request. Billing
// and settlement actions need a who-did-what trail independent of the
// access log, so this records the tenant and actor alongside the route.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			switch c.Request().Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				return err
			}

			rid, _ := c.Get("request_id").(string)
			tenant, _ := c.Get("tenant_id").(string)
			userID, _ := c.Get("user_id").(string)

			logger.Info().
				Str("request_id", rid).
				Str("tenant_id", tenant).
				Str("user_id", userID).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Msg("audit")

			return err
		}
	}
}
