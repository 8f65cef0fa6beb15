package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake-bridge/pkg/pagination"
)

// Service is the only writer of work items.
type Service struct {
	items  Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(items Repository, logger zerolog.Logger) *Service {
	return &Service{items: items, logger: logger, now: time.Now}
}

// allowedTransitions lists the setStatus edges. Requeue has its own rules
// and setting the current status again is always accepted.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true},
	StatusProcessing: {StatusDone: true, StatusError: true},
}

var requeueTargets = map[Status]bool{
	StatusPending:    true,
	StatusProcessing: true,
}

// CanTransition reports whether SetStatus may move an item from one status
// to another.
func CanTransition(from, to Status) bool {
	return from == to || allowedTransitions[from][to]
}

// EnqueueRequest creates a new PENDING item.
type EnqueueRequest struct {
	CorrelationID string                 `json:"correlation_id"`
	EMRID         string                 `json:"emr_id,omitempty"`
	Priority      Priority               `json:"priority,omitempty"`
	Encounter     map[string]interface{} `json:"encounter"`
}

func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*WorkItem, error) {
	cid := strings.TrimSpace(req.CorrelationID)
	if cid == "" {
		return nil, fmt.Errorf("%w: correlation_id is required", ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if _, err := ParsePriority(string(req.Priority)); err != nil {
		return nil, err
	}

	w := &WorkItem{
		CorrelationID: cid,
		Status:        StatusPending,
		Priority:      req.Priority,
		Payload:       Payload{Encounter: req.Encounter},
	}
	if emr := strings.TrimSpace(req.EMRID); emr != "" {
		w.EMRID = &emr
	}
	if err := s.items.Create(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info().Str("queue_id", w.ID.String()).Str("correlation_id", cid).
		Str("priority", string(w.Priority)).Msg("work item enqueued")
	return w, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	return s.items.GetByID(ctx, id)
}

// List returns matching items newest first. It never mutates.
func (s *Service) List(ctx context.Context, f Filter) ([]*WorkItem, error) {
	if f.Status != "" {
		if _, err := ParseStatus(string(f.Status)); err != nil {
			return nil, err
		}
	}
	f.Limit = pagination.Clamp(f.Limit)
	return s.items.List(ctx, f)
}

// ClaimNext hands the next claimable item to the caller, or nil when the
// queue has nothing PENDING.
func (s *Service) ClaimNext(ctx context.Context) (*WorkItem, error) {
	w, err := s.items.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	if w != nil {
		s.logger.Debug().Str("queue_id", w.ID.String()).Str("correlation_id", w.CorrelationID).Msg("work item claimed")
	}
	return w, nil
}

// StatusOptions carries the optional parts of a status change.
type StatusOptions struct {
	ErrorMessage      string
	IncrementAttempts bool
	// DeadLetter sets or clears the dead-letter flag when non-nil.
	DeadLetter *bool
	// Augmented replaces the result envelope's output and stamps processed_at.
	Augmented map[string]interface{}
	// Expect, when set, makes the change conditional on the stored status.
	Expect Status
}

func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status Status, opts StatusOptions) (*WorkItem, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	w, err := s.items.Update(ctx, id, func(w *WorkItem) error {
		if opts.Expect != "" && w.Status != opts.Expect {
			return fmt.Errorf("%w: item is %s, expected %s", ErrConflict, w.Status, opts.Expect)
		}
		if !CanTransition(w.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, status)
		}
		w.Status = status
		if opts.IncrementAttempts {
			w.Attempts++
		}
		if opts.ErrorMessage != "" {
			msg := opts.ErrorMessage
			w.ErrorMessage = &msg
			w.Payload.Result.LastError = msg
		} else if status == StatusDone {
			w.ErrorMessage = nil
		}
		if opts.DeadLetter != nil {
			w.Payload.Result.DeadLetter = *opts.DeadLetter
		}
		if opts.Augmented != nil {
			at := s.now().UTC()
			w.Payload.Result.Augmented = opts.Augmented
			w.Payload.Result.ProcessedAt = &at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("queue_id", id.String()).Str("status", string(status)).
		Int("attempts", w.Attempts).Msg("work item status changed")
	return w, nil
}

// RequeueOptions controls a requeue. Zero values mean PENDING and HIGH.
type RequeueOptions struct {
	Status   Status
	Priority Priority
	Note     string
	// Expect, when set, makes the requeue conditional on the stored status.
	Expect Status
}

// Requeue moves an item from any status back to PENDING or PROCESSING,
// increments attempts and overwrites its priority. Requeueing clears the
// dead-letter flag; the previous error stays in last_error.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID, opts RequeueOptions) (*WorkItem, error) {
	if opts.Status == "" {
		opts.Status = StatusPending
	}
	if opts.Priority == "" {
		opts.Priority = PriorityHigh
	}
	if !requeueTargets[opts.Status] {
		return nil, fmt.Errorf("%w: requeue status must be PENDING or PROCESSING, got %q", ErrValidation, opts.Status)
	}
	if _, err := ParsePriority(string(opts.Priority)); err != nil {
		return nil, err
	}

	w, err := s.items.Update(ctx, id, func(w *WorkItem) error {
		if opts.Expect != "" && w.Status != opts.Expect {
			return fmt.Errorf("%w: item is %s, expected %s", ErrConflict, w.Status, opts.Expect)
		}
		from := w.Status
		w.Status = opts.Status
		w.Priority = opts.Priority
		w.Attempts++
		w.ErrorMessage = nil
		w.Payload.Result.DeadLetter = false
		w.Payload.Result.RequeueHistory = append(w.Payload.Result.RequeueHistory, RequeueEntry{
			At:       s.now().UTC(),
			From:     from,
			To:       opts.Status,
			Priority: opts.Priority,
			Attempts: w.Attempts,
			Note:     strings.TrimSpace(opts.Note),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("queue_id", id.String()).Str("status", string(w.Status)).
		Str("priority", string(w.Priority)).Int("attempts", w.Attempts).Msg("work item requeued")
	return w, nil
}

// Resolve finds the item a Lookup refers to.
func (s *Service) Resolve(ctx context.Context, l Lookup) (*WorkItem, error) {
	if l.ID != nil {
		return s.items.GetByID(ctx, *l.ID)
	}
	cid := strings.TrimSpace(l.CorrelationID)
	if cid == "" {
		return nil, fmt.Errorf("%w: queue_id or correlation_id is required", ErrValidation)
	}
	items, err := s.items.List(ctx, Filter{CorrelationID: cid, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

// MergeAction stores an auxiliary action payload under result.actions[action].
func (s *Service) MergeAction(ctx context.Context, l Lookup, action string, data interface{}) (*WorkItem, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrValidation)
	}
	target, err := s.Resolve(ctx, l)
	if err != nil {
		return nil, err
	}
	return s.items.Update(ctx, target.ID, func(w *WorkItem) error {
		if w.Payload.Result.Actions == nil {
			w.Payload.Result.Actions = make(map[string]interface{})
		}
		w.Payload.Result.Actions[action] = data
		return nil
	})
}

// FindEncounter returns the newest item with the given correlation id that
// carries a source encounter.
func (s *Service) FindEncounter(ctx context.Context, correlationID string) (*WorkItem, error) {
	items, err := s.items.List(ctx, Filter{CorrelationID: correlationID, Limit: pagination.MaxLimit})
	if err != nil {
		return nil, err
	}
	for _, w := range items {
		if len(w.Payload.Encounter) > 0 {
			return w, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Service) DeadLetters(ctx context.Context, limit int) ([]*WorkItem, error) {
	return s.items.DeadLetters(ctx, pagination.Clamp(limit))
}

// IsValidation reports whether err is a caller mistake rather than a failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition)
}
