package queue

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake-bridge/internal/platform/apierror"
	"github.com/ehr/intake-bridge/internal/platform/auth"
	"github.com/ehr/intake-bridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleWorker))
	read.GET("/queue", h.ListQueue)
	read.GET("/queue/:id", h.GetItem)

	work := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleWorker))
	work.POST("/queue", h.MergeAction)
	work.PATCH("/queue/:id/status", h.SetStatus)

	ingest := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleIngest))
	ingest.POST("/queue/items", h.Enqueue)

	ops := api.Group("", auth.RequireRole(auth.RoleOperator))
	ops.GET("/queue/dead-letters", h.ListDeadLetters)
	ops.GET("/queue/dead-letters/export", h.ExportDeadLetters)
	ops.PATCH("/queue/:id/requeue", h.Requeue)
}

// toAPIError maps service errors onto the response taxonomy. Storage errors
// never expose driver text.
func toAPIError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apierror.NotFound("work item not found")
	case errors.Is(err, ErrConflict):
		return apierror.New(http.StatusConflict, apierror.CodeValidation, err.Error())
	case IsValidation(err):
		return apierror.Validation(err.Error())
	default:
		return apierror.Database(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apierror.Validation("invalid id")
	}
	return id, nil
}

// ListQueue lists items, or with claim=true atomically claims one. A claim
// must ask for status=PENDING and limit=1 and answers with an empty list
// when nothing is claimable.
func (h *Handler) ListQueue(c echo.Context) error {
	ctx := c.Request().Context()
	pg, err := pagination.FromContext(c)
	if err != nil {
		return apierror.Validation(err.Error())
	}

	claim := false
	if raw := c.QueryParam("claim"); raw != "" {
		claim, err = strconv.ParseBool(raw)
		if err != nil {
			return apierror.Validation("claim must be true or false")
		}
	}

	status := Status(strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))))
	if claim {
		if status != StatusPending || !pg.Explicit || pg.Limit != 1 {
			return apierror.Validation("claim requires status=PENDING and limit=1")
		}
		w, err := h.svc.ClaimNext(ctx)
		if err != nil {
			return toAPIError(err)
		}
		items := []*WorkItem{}
		if w != nil {
			items = append(items, w)
		}
		return apierror.OK(c, http.StatusOK, items)
	}

	f := Filter{
		CorrelationID: strings.TrimSpace(c.QueryParam("correlation_id")),
		Status:        status,
		Limit:         pg.Limit,
	}
	if raw := c.QueryParam("queue_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apierror.Validation("invalid queue_id")
		}
		f.ID = &id
	}
	items, err := h.svc.List(ctx, f)
	if err != nil {
		return toAPIError(err)
	}
	return apierror.OK(c, http.StatusOK, items)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	w, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toAPIError(err)
	}
	return apierror.OK(c, http.StatusOK, w)
}

func (h *Handler) Enqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	req.Priority = Priority(strings.ToUpper(string(req.Priority)))
	w, err := h.svc.Enqueue(c.Request().Context(), req)
	if err != nil {
		return toAPIError(err)
	}
	return apierror.OK(c, http.StatusCreated, w)
}

type mergeActionRequest struct {
	QueueID       string      `json:"queue_id"`
	CorrelationID string      `json:"correlation_id"`
	Action        string      `json:"action"`
	Data          interface{} `json:"data"`
}

func (h *Handler) MergeAction(c echo.Context) error {
	var req mergeActionRequest
	if err := c.Bind(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	l := Lookup{CorrelationID: req.CorrelationID}
	if req.QueueID != "" {
		id, err := uuid.Parse(req.QueueID)
		if err != nil {
			return apierror.Validation("invalid queue_id")
		}
		l.ID = &id
	}
	w, err := h.svc.MergeAction(c.Request().Context(), l, req.Action, req.Data)
	if err != nil {
		return toAPIError(err)
	}
	return apierror.OK(c, http.StatusOK, w)
}

type setStatusRequest struct {
	Status            string `json:"status"`
	ErrorMessage      string `json:"error_message"`
	IncrementAttempts bool   `json:"increment_attempts"`
	DeadLetter        *bool  `json:"dead_letter"`
	ExpectStatus      string `json:"expect_status"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req setStatusRequest
	if err := c.Bind(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	if strings.TrimSpace(req.Status) == "" {
		return apierror.Validation("status is required")
	}
	w, err := h.svc.SetStatus(c.Request().Context(), id, Status(strings.ToUpper(req.Status)), StatusOptions{
		ErrorMessage:      req.ErrorMessage,
		IncrementAttempts: req.IncrementAttempts,
		DeadLetter:        req.DeadLetter,
		Expect:            Status(strings.ToUpper(strings.TrimSpace(req.ExpectStatus))),
	})
	if err != nil {
		return toAPIError(err)
	}
	return apierror.OK(c, http.StatusOK, w)
}

type requeueRequest struct {
	Status   string `json:"status"`
	Priority string `json:"priority"`
	Note     string `json:"note"`
}

func (h *Handler) Requeue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req requeueRequest
	if err := c.Bind(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	w, err := h.svc.Requeue(c.Request().Context(), id, RequeueOptions{
		Status:   Status(strings.ToUpper(req.Status)),
		Priority: Priority(strings.ToUpper(req.Priority)),
		Note:     req.Note,
	})
	if err != nil {
		return toAPIError(err)
	}
	return apierror.OK(c, http.StatusOK, w)
}

func (h *Handler) ListDeadLetters(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return apierror.Validation(err.Error())
	}
	items, err := h.svc.DeadLetters(c.Request().Context(), pg.Limit)
	if err != nil {
		return toAPIError(err)
	}
	return apierror.OK(c, http.StatusOK, items)
}

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) ExportDeadLetters(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return apierror.Validation(err.Error())
	}
	b, _, err := h.svc.ExportDeadLettersXLSX(c.Request().Context(), pg.Limit)
	if err != nil {
		return toAPIError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="dead-letters.xlsx"`)
	return c.Blob(http.StatusOK, xlsxMIME, b)
}
