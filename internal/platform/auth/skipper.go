package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that bypass token authentication. The
// augmentation endpoint is absent because it carries its own request
// signature.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path is a public infrastructure
// endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
