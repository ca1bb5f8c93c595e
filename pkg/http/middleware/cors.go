package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int
}

// CORS answers preflight requests and tags responses for allowed origins.
// Requests from other origins pass through without CORS headers.
func CORS(cfg CORSConfig) echo.MiddlewareFunc {
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get(echo.HeaderOrigin)
			h := c.Response().Header()
			h.Add(echo.HeaderVary, echo.HeaderOrigin)

			allowed, wildcard := originAllowed(cfg.AllowOrigins, origin)
			if !allowed {
				return next(c)
			}
			if wildcard && origin == "" {
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			} else if origin != "" {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
			}

			if c.Request().Method != http.MethodOptions {
				return next(c)
			}
			if methods != "" {
				h.Set(echo.HeaderAccessControlAllowMethods, methods)
			}
			if headers != "" {
				h.Set(echo.HeaderAccessControlAllowHeaders, headers)
			}
			if cfg.MaxAge > 0 {
				h.Set(echo.HeaderAccessControlMaxAge, strconv.Itoa(cfg.MaxAge))
			}
			return c.NoContent(http.StatusNoContent)
		}
	}
}

func originAllowed(origins []string, origin string) (allowed, wildcard bool) {
	for _, o := range origins {
		if o == "*" {
			return true, true
		}
		if o == origin {
			return true, false
		}
	}
	return false, false
}
