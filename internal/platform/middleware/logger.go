package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. Server errors log at error level,
// client errors at warn, everything else at info.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = statusOf(err)
			}
			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn().Err(err)
			default:
				evt = logger.Info()
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			rid, _ := c.Get(requestIDKey).(string)
			evt.Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("route", route).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

type statusCoder interface {
	StatusCode() int
}

func statusOf(err error) int {
	switch e := err.(type) {
	case *echo.HTTPError:
		return e.Code
	case statusCoder:
		return e.StatusCode()
	default:
		return 500
	}
}
