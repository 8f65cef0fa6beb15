package pagination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds the limit parsed from a request.
type Params struct {
	Limit int
	// Explicit is true when the caller supplied a limit.
	Explicit bool
}

// FromContext reads the "limit" query parameter. A missing value yields
// DefaultLimit; values above MaxLimit are capped. Non-numeric or
// non-positive values are rejected.
func FromContext(c echo.Context) (Params, error) {
	raw := strings.TrimSpace(c.QueryParam("limit"))
	if raw == "" {
		return Params{Limit: DefaultLimit}, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return Params{}, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return Params{Limit: Clamp(n), Explicit: true}, nil
}

// Clamp applies the default and maximum to a limit.
func Clamp(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
