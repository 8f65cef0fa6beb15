package augment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake-bridge/internal/domain/queue"
	"github.com/ehr/intake-bridge/internal/platform/apierror"
	"github.com/ehr/intake-bridge/internal/platform/mapping"
)

// DefaultPath is where the augmentation endpoint is mounted unless configured.
const DefaultPath = "/augment"

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes mounts the endpoint at path behind the given middleware,
// normally request signature verification.
func (h *Handler) RegisterRoutes(g *echo.Group, path string, mw ...echo.MiddlewareFunc) {
	if path == "" {
		path = DefaultPath
	}
	g.POST(path, h.Augment, mw...)
}

type augmentResponse struct {
	QueueID          string                 `json:"queue_id,omitempty"`
	CorrelationID    string                 `json:"correlation_id"`
	ProcessedAt      time.Time              `json:"processed_at"`
	Status           queue.Status           `json:"status,omitempty"`
	Attempts         int                    `json:"attempts"`
	Calls            int                    `json:"calls"`
	Augmented        map[string]interface{} `json:"augmented"`
	Flags            Flags                  `json:"flags"`
	ExtractionErrors []string               `json:"extraction_errors,omitempty"`
}

// Augment accepts {"queue_id": ...}, {"queue_item": {"id": ...}}, an
// {"encounter": {...}} wrapper or a bare record.
func (h *Handler) Augment(c echo.Context) error {
	var body map[string]interface{}
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return apierror.Validation("request body must be a JSON object")
	}
	req, err := parseRequest(body)
	if err != nil {
		return err
	}

	// Client disconnects do not cancel an augmentation in progress.
	res, err := h.orch.Augment(context.WithoutCancel(c.Request().Context()), req)
	if err != nil {
		return toAPIError(err)
	}

	out := augmentResponse{
		CorrelationID:    res.CorrelationID,
		ProcessedAt:      res.ProcessedAt,
		Calls:            res.Calls,
		Augmented:        res.Augmented,
		Flags:            res.Flags,
		ExtractionErrors: res.ExtractionErrors,
	}
	if res.Item != nil {
		out.QueueID = res.Item.ID.String()
		out.Status = res.Item.Status
		out.Attempts = res.Item.Attempts
	}
	return apierror.OK(c, http.StatusOK, out)
}

func parseRequest(body map[string]interface{}) (Request, error) {
	if raw, ok := body["queue_id"]; ok {
		return queueRequest(raw, "queue_id")
	}
	if qi, ok := body["queue_item"].(map[string]interface{}); ok {
		return queueRequest(qi["id"], "queue_item.id")
	}
	record := body
	if enc, ok := body["encounter"].(map[string]interface{}); ok {
		record = enc
	}
	if len(record) == 0 {
		return Request{}, apierror.Validation("queue_id or encounter is required")
	}
	return Request{Record: record}, nil
}

func queueRequest(raw interface{}, field string) (Request, error) {
	s, _ := raw.(string)
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return Request{}, apierror.Validation("invalid " + field)
	}
	return Request{QueueID: &id}, nil
}

func toAPIError(err error) error {
	var f *Failure
	if errors.As(err, &f) {
		var e *apierror.Error
		switch f.Class {
		case mapping.ClassAuth:
			e = apierror.New(http.StatusBadGateway, apierror.CodeExternalAuth, f.Message)
		case mapping.ClassRateLimited:
			e = apierror.New(http.StatusTooManyRequests, apierror.CodeRateLimited, f.Message)
		case mapping.ClassTimeout:
			e = apierror.New(http.StatusGatewayTimeout, apierror.CodeTimeout, f.Message)
		default:
			e = apierror.New(http.StatusBadGateway, apierror.CodeMalformed, f.Message)
		}
		e.Err = f.Err
		return e.WithDetails(map[string]interface{}{"calls": f.Calls})
	}
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return apierror.NotFound("work item not found")
	case errors.Is(err, queue.ErrConflict):
		return apierror.New(http.StatusConflict, apierror.CodeValidation, err.Error())
	case queue.IsValidation(err):
		return apierror.Validation(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return &apierror.Error{Status: http.StatusGatewayTimeout, Code: apierror.CodeTimeout, Message: "augmentation timed out", Err: err}
	default:
		return apierror.Database(err)
	}
}
