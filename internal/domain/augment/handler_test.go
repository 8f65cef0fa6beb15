package augment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake-bridge/internal/platform/apierror"
	"github.com/ehr/intake-bridge/internal/platform/mapping"
	"github.com/ehr/intake-bridge/internal/platform/signing"
)

const testSecret = "augment-secret"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apierror.Body  `json:"error"`
}

func newTestServer(t *testing.T, h *harness) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = apierror.ErrorHandler(zerolog.Nop())
	NewHandler(h.o).RegisterRoutes(e.Group(""), "", signing.Middleware(signing.MiddlewareConfig{
		Secret: testSecret,
		Window: signing.DefaultWindow,
		Now:    time.Now,
	}))
	return e
}

func doSigned(t *testing.T, e *echo.Echo, body string, secret string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, DefaultPath, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	signing.SignRequest(req, []byte(body), secret, time.Now)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestHandler_AugmentQueueItem(t *testing.T) {
	h := newHarness(t, ok(map[string]interface{}{"summary": "s"}))
	item := h.enqueue(t, "enc-h1", headacheEncounter())
	e := newTestServer(t, h)

	rec, env := doSigned(t, e, `{"queue_id":"`+item.ID.String()+`"}`, testSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, env.Success)

	var data augmentResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, item.ID.String(), data.QueueID)
	assert.Equal(t, "enc-h1", data.CorrelationID)
	assert.False(t, data.ProcessedAt.IsZero())
	assert.Equal(t, "DONE", string(data.Status))
	assert.Equal(t, 1, data.Calls)
	assert.Equal(t, "s", data.Augmented["summary"])
}

func TestHandler_AugmentQueueItemObject(t *testing.T) {
	h := newHarness(t, ok(map[string]interface{}{"summary": "s"}))
	item := h.enqueue(t, "enc-h2", headacheEncounter())
	e := newTestServer(t, h)

	rec, _ := doSigned(t, e, `{"queue_item":{"id":"`+item.ID.String()+`"}}`, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandler_AugmentDirectRecord(t *testing.T) {
	h := newHarness(t, ok(map[string]interface{}{"summary": "direct"}))
	e := newTestServer(t, h)

	rec, env := doSigned(t, e, `{"encounter":{"correlation_id":"walk-in-3","complaints":[{"name":"sore throat","pain_scale":12}]}}`, testSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var data augmentResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Empty(t, data.QueueID)
	assert.Equal(t, "walk-in-3", data.CorrelationID)
	assert.False(t, data.ProcessedAt.IsZero())

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &raw))
	assert.Contains(t, raw, "correlation_id")
	assert.Contains(t, raw, "processed_at")
	sev := data.Augmented["severity"].(map[string]interface{})
	assert.Equal(t, float64(10), sev["0"])
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	h := newHarness(t, ok(map[string]interface{}{"summary": "s"}))
	e := newTestServer(t, h)

	rec, env := doSigned(t, e, `{"encounter":{"x":1}}`, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierror.CodeUnauthenticated, env.Error.Code)
	assert.Equal(t, 0, h.m.Calls())
}

func TestHandler_ValidationErrors(t *testing.T) {
	h := newHarness(t, ok(map[string]interface{}{"summary": "s"}))
	e := newTestServer(t, h)

	for name, body := range map[string]string{
		"bad queue id":   `{"queue_id":"nope"}`,
		"empty object":   `{}`,
		"not an object":  `[1]`,
		"empty item ref": `{"queue_item":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec, env := doSigned(t, e, body, testSecret)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, apierror.CodeValidation, env.Error.Code)
		})
	}
}

func TestHandler_UnknownItem(t *testing.T) {
	h := newHarness(t, ok(map[string]interface{}{"summary": "s"}))
	e := newTestServer(t, h)

	rec, env := doSigned(t, e, `{"queue_id":"6f1c2a34-9d1e-4d5c-8b8a-0e5f3c2d1a90"}`, testSecret)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierror.CodeNotFound, env.Error.Code)
}

func TestHandler_FailureCodes(t *testing.T) {
	tests := []struct {
		class  mapping.Class
		status int
		code   apierror.Code
	}{
		{mapping.ClassAuth, http.StatusBadGateway, apierror.CodeExternalAuth},
		{mapping.ClassRateLimited, http.StatusTooManyRequests, apierror.CodeRateLimited},
		{mapping.ClassTimeout, http.StatusGatewayTimeout, apierror.CodeTimeout},
		{mapping.ClassMalformed, http.StatusBadGateway, apierror.CodeMalformed},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			h := newHarness(t, fail(tt.class, 0))
			item := h.enqueue(t, "enc-f", headacheEncounter())
			e := newTestServer(t, h)

			rec, env := doSigned(t, e, `{"queue_id":"`+item.ID.String()+`"}`, testSecret)
			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

// cancelAwareMapper fails the way the HTTP client does when its context is
// cancelled.
type cancelAwareMapper struct{}

func (cancelAwareMapper) Map(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"summary": "finished"}, nil
}

func TestHandler_ClientDisconnectDoesNotCancel(t *testing.T) {
	h := newHarness(t)
	h.o.mapper = cancelAwareMapper{}
	item := h.enqueue(t, "enc-gone", headacheEncounter())
	e := newTestServer(t, h)

	body := `{"queue_id":"` + item.ID.String() + `"}`
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, DefaultPath, strings.NewReader(body)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	signing.SignRequest(req, []byte(body), testSecret, time.Now)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := h.q.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "DONE", string(stored.Status))
}

func TestHandler_ClaimedItemConflict(t *testing.T) {
	h := newHarness(t, ok(map[string]interface{}{"summary": "s"}))
	item := h.enqueue(t, "enc-busy", headacheEncounter())
	_, err := h.q.ClaimNext(context.Background())
	require.NoError(t, err)
	e := newTestServer(t, h)

	rec, env := doSigned(t, e, `{"queue_id":"`+item.ID.String()+`"}`, testSecret)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierror.CodeValidation, env.Error.Code)
	assert.Equal(t, 0, h.m.Calls())
}
