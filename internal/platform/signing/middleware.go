package signing

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake-bridge/internal/platform/apierror"
)

// MiddlewareConfig configures request verification.
type MiddlewareConfig struct {
	Secret string
	Window time.Duration
	Now    func() time.Time
}

// Middleware rejects requests whose signature headers do not verify. The body
// is buffered and restored so handlers can still bind it.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			var body []byte
			if req.Body != nil {
				b, err := io.ReadAll(req.Body)
				if err != nil {
					var ae *apierror.Error
					if errors.As(err, &ae) {
						return ae
					}
					var he *echo.HTTPError
					if errors.As(err, &he) {
						return he
					}
					return apierror.Unauthenticated()
				}
				body = b
				req.Body = io.NopCloser(bytes.NewReader(body))
			}

			ok := Verify(req.Method, req.URL.Path,
				req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature),
				body, cfg.Secret, cfg.Now, cfg.Window)
			if !ok {
				return apierror.Unauthenticated()
			}
			return next(c)
		}
	}
}
