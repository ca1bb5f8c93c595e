package middleware

import (
	"time"

	"TrapFlow/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RequestLogging logs each request at debug level, 4xx at warn and 5xx at
// error. Requests slower than slow are logged at warn regardless.
func RequestLogging(l *logger.Logger, slow time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			latency := time.Since(start)
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("route", routeOf(c)),
				logger.Int("status", status),
				logger.Duration("latency", latency),
				logger.String("remote", c.RealIP()),
			}

			switch {
			case status >= 500:
				l.Error("http request failed", append(fields, logger.Error(err))...)
			case status >= 400:
				l.Warn("http request rejected", fields...)
			case slow > 0 && latency >= slow:
				l.Warn("http request slow", fields...)
			default:
				l.Debug("http request", fields...)
			}
			return nil
		}
	}
}

// routeOf prefers the registered route template to keep labels bounded.
func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return c.Request().URL.Path
}
