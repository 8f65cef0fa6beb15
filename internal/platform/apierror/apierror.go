// Package apierror defines the response envelope shared by every HTTP route
// and the stable error codes callers can branch on.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeDatabase        Code = "DATABASE_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeExternalAuth    Code = "EXTERNAL_AUTH_ERROR"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeTimeout         Code = "TIMEOUT"
	CodeMalformed       Code = "MALFORMED_RESPONSE"
)

// Error is an error that knows how it should be rendered to a caller.
type Error struct {
	Status  int
	Code    Code
	Message string
	Details interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode is the HTTP status the error renders with.
func (e *Error) StatusCode() int { return e.Status }

// WithDetails returns a copy of e carrying structured details.
func (e *Error) WithDetails(details interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func Validation(message string) *Error {
	return New(http.StatusBadRequest, CodeValidation, message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func Unauthenticated() *Error {
	return New(http.StatusUnauthorized, CodeUnauthenticated, "request could not be authenticated")
}

// Database hides the driver error from the caller; it is kept for logging.
func Database(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeDatabase, Message: "storage operation failed", Err: err}
}

func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error", Err: err}
}

// Body is the error member of the envelope.
type Body struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Envelope wraps every response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Body       `json:"error,omitempty"`
}

// OK writes a success envelope.
func OK(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// Fail writes an error envelope directly.
func Fail(c echo.Context, e *Error) error {
	return c.JSON(e.Status, Envelope{
		Success: false,
		Error:   &Body{Code: e.Code, Message: e.Message, Details: e.Details},
	})
}

// From converts any error into an *Error. Unknown errors become INTERNAL_ERROR.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fromHTTPError(he)
	}
	return Internal(err)
}

func fromHTTPError(he *echo.HTTPError) *Error {
	msg := http.StatusText(he.Code)
	if s, ok := he.Message.(string); ok && s != "" {
		msg = s
	}
	code := CodeInternal
	switch {
	case he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed:
		code = CodeNotFound
	case he.Code == http.StatusUnauthorized || he.Code == http.StatusForbidden:
		code = CodeUnauthenticated
	case he.Code == http.StatusTooManyRequests:
		code = CodeRateLimited
	case he.Code == http.StatusGatewayTimeout || he.Code == http.StatusRequestTimeout:
		code = CodeTimeout
	case he.Code >= 400 && he.Code < 500:
		code = CodeValidation
	}
	if code == CodeInternal {
		msg = "internal error"
	}
	return &Error{Status: he.Code, Code: code, Message: msg, Err: he.Internal}
}

// ErrorHandler renders every unhandled handler error as an envelope.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		ae := From(err)
		if ae.Status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("code", string(ae.Code)).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(ae.Status)
			return
		}
		_ = Fail(c, ae)
	}
}
