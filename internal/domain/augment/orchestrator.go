// Package augment turns a queued encounter into an augmented record: it runs
// the deterministic extractors, calls the mapping service under a per-class
// retry policy, overlays the deterministic facets and corrects the result.
package augment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake-bridge/internal/domain/extraction"
	"github.com/ehr/intake-bridge/internal/domain/queue"
	"github.com/ehr/intake-bridge/internal/platform/mapping"
)

// ErrNoSource is returned when neither the item nor any item sharing its
// correlation id carries an encounter.
var ErrNoSource = errors.New("no source encounter")

// Queue is the subset of the queue service the orchestrator drives.
type Queue interface {
	Get(ctx context.Context, id uuid.UUID) (*queue.WorkItem, error)
	ClaimNext(ctx context.Context) (*queue.WorkItem, error)
	SetStatus(ctx context.Context, id uuid.UUID, status queue.Status, opts queue.StatusOptions) (*queue.WorkItem, error)
	Requeue(ctx context.Context, id uuid.UUID, opts queue.RequeueOptions) (*queue.WorkItem, error)
	FindEncounter(ctx context.Context, correlationID string) (*queue.WorkItem, error)
}

// Mapper calls the external mapping service once.
type Mapper interface {
	Map(ctx context.Context, record map[string]interface{}) (map[string]interface{}, error)
}

// Notifier is told about items that finished successfully.
type Notifier interface {
	NotifyCompleted(ctx context.Context, item *queue.WorkItem)
}

// Recorder receives outcome counts. Outcomes are "ok" or a failure class for
// mapping calls, and "done", a failure class, "no_source" or "error" for
// augmentations.
type Recorder interface {
	MappingCall(outcome string)
	Augmented(outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) MappingCall(string) {}
func (nopRecorder) Augmented(string, time.Duration) {}

// Failure is a mapping failure that survived the retry policy.
type Failure struct {
	Class   mapping.Class
	Calls   int
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

// Request names what to augment: a queued item, or a bare record that is
// processed without touching the queue.
type Request struct {
	QueueID *uuid.UUID
	Record  map[string]interface{}
}

// Result is the outcome of a successful augmentation.
type Result struct {
	Item             *queue.WorkItem        `json:"item,omitempty"`
	CorrelationID    string                 `json:"correlation_id,omitempty"`
	ProcessedAt      time.Time              `json:"processed_at"`
	Augmented        map[string]interface{} `json:"augmented"`
	Flags            Flags                  `json:"flags"`
	Calls            int                    `json:"calls"`
	ExtractionErrors []string               `json:"extraction_errors,omitempty"`
}

type Config struct {
	Policy       RetryPolicy
	Dictionaries *extraction.Store
	Notifier     Notifier
	Metrics      Recorder
}

type Orchestrator struct {
	queue     Queue
	mapper    Mapper
	corrector *Corrector
	policy    RetryPolicy
	dicts     *extraction.Store
	notifier  Notifier
	metrics   Recorder
	logger    zerolog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

func NewOrchestrator(q Queue, m Mapper, cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	corrector, err := NewCorrector()
	if err != nil {
		return nil, err
	}
	dicts := cfg.Dictionaries
	if dicts == nil {
		dicts = extraction.NewStore(extraction.DefaultDictionary())
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Orchestrator{
		queue:     q,
		mapper:    m,
		corrector: corrector,
		policy:    cfg.Policy.withDefaults(),
		dicts:     dicts,
		notifier:  cfg.Notifier,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		jitter:    randomJitter,
	}, nil
}

// Augment runs the pipeline. For a queued item the PROCESSING transition is
// committed before the mapping call, and the outcome is written back as DONE
// or ERROR. Failures after retries are both returned and recorded.
func (o *Orchestrator) Augment(ctx context.Context, req Request) (*Result, error) {
	if req.QueueID == nil {
		if len(req.Record) == 0 {
			return nil, fmt.Errorf("%w: record is empty", queue.ErrValidation)
		}
		res, err := o.process(ctx, req.Record, o.logger)
		if err != nil {
			return nil, err
		}
		res.CorrelationID = recordCorrelation(req.Record)
		res.ProcessedAt = o.now().UTC()
		return res, nil
	}

	item, err := o.begin(ctx, *req.QueueID)
	if err != nil {
		return nil, err
	}
	return o.Process(ctx, item)
}

// Process augments an item the caller already holds in PROCESSING. Every
// outcome is written back, so the item never stays PROCESSING after return.
func (o *Orchestrator) Process(ctx context.Context, item *queue.WorkItem) (*Result, error) {
	log := o.logger.With().Str("queue_id", item.ID.String()).Str("correlation_id", item.CorrelationID).Logger()

	record, err := o.sourceRecord(ctx, item)
	if err != nil {
		if errors.Is(err, ErrNoSource) {
			o.metrics.Augmented("no_source", 0)
			o.fail(ctx, item, err.Error(), false, log)
			return nil, fmt.Errorf("%w: %s", queue.ErrValidation, err.Error())
		}
		o.abandon(ctx, item, err, log)
		return nil, err
	}

	res, err := o.process(ctx, record, log)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			o.fail(ctx, item, f.Message, f.Class == mapping.ClassAuth, log)
		} else {
			o.abandon(ctx, item, err, log)
		}
		return nil, err
	}

	done, err := o.queue.SetStatus(context.WithoutCancel(ctx), item.ID, queue.StatusDone, queue.StatusOptions{Augmented: res.Augmented})
	if err != nil {
		return nil, fmt.Errorf("record augmentation: %w", err)
	}
	res.Item = done
	res.CorrelationID = done.CorrelationID
	res.ProcessedAt = o.now().UTC()
	if at := done.Payload.Result.ProcessedAt; at != nil {
		res.ProcessedAt = *at
	}
	log.Info().Int("calls", res.Calls).Int("unsourced", len(res.Flags.Unsourced)).
		Int("corrected", len(res.Flags.Corrected)).Msg("work item augmented")

	if o.notifier != nil {
		o.notifier.NotifyCompleted(ctx, done)
	}
	return res, nil
}

// begin moves the item into PROCESSING. Both paths are conditional on the
// status read here, so an item claimed in between is rejected with
// queue.ErrConflict. Finished items are requeued straight into PROCESSING so
// a re-run is recorded in their history.
func (o *Orchestrator) begin(ctx context.Context, id uuid.UUID) (*queue.WorkItem, error) {
	item, err := o.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case queue.StatusProcessing:
		return nil, fmt.Errorf("%w: item is already being processed", queue.ErrConflict)
	case queue.StatusPending:
		return o.queue.SetStatus(ctx, id, queue.StatusProcessing, queue.StatusOptions{Expect: queue.StatusPending})
	default:
		return o.queue.Requeue(ctx, id, queue.RequeueOptions{
			Status:   queue.StatusProcessing,
			Priority: item.Priority,
			Note:     "re-augment from " + string(item.Status),
			Expect:   item.Status,
		})
	}
}

func (o *Orchestrator) sourceRecord(ctx context.Context, item *queue.WorkItem) (map[string]interface{}, error) {
	if len(item.Payload.Encounter) > 0 {
		return item.Payload.Encounter, nil
	}
	src, err := o.queue.FindEncounter(ctx, item.CorrelationID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, ErrNoSource
	}
	if err != nil {
		return nil, err
	}
	return src.Payload.Encounter, nil
}

func (o *Orchestrator) process(ctx context.Context, record map[string]interface{}, log zerolog.Logger) (res *Result, err error) {
	start := o.now()
	defer func() { o.metrics.Augmented(outcomeOf(err), o.now().Sub(start)) }()

	facts, extractErrs := o.extract(record, log)

	doc, calls, err := o.callWithRetry(ctx, record, log)
	if err != nil {
		return nil, err
	}

	merged, unsourced := Overlay(doc, facts)
	corrected, flags, err := o.corrector.Correct(merged, unsourced)
	if err != nil {
		return nil, err
	}
	if len(flags.SchemaErrors) > 0 {
		log.Warn().Strs("schema_errors", flags.SchemaErrors).Msg("augmented document failed validation")
	}
	return &Result{
		Augmented:        corrected,
		Flags:            flags,
		Calls:            calls,
		ExtractionErrors: extractErrs,
	}, nil
}

func (o *Orchestrator) extract(record map[string]interface{}, log zerolog.Logger) (Facts, []string) {
	res, errs := extraction.ExtractAll(record, extraction.Options{Now: o.now, Dict: o.dicts.Load()})
	var msgs []string
	for _, err := range errs {
		log.Warn().Err(err).Msg("extractor failed")
		msgs = append(msgs, err.Error())
	}
	return newFacts(res, errs), msgs
}

// callWithRetry is the only place that waits. No transaction is open here.
func (o *Orchestrator) callWithRetry(ctx context.Context, record map[string]interface{}, log zerolog.Logger) (map[string]interface{}, int, error) {
	for attempt := 1; ; attempt++ {
		doc, err := o.callOnce(ctx, record)
		if err == nil {
			return doc, attempt, nil
		}
		me, ok := mapping.AsError(err)
		if !ok {
			return nil, attempt, err
		}
		if !me.Retryable() || attempt >= o.policy.MaxAttempts {
			return nil, attempt, &Failure{
				Class:   me.Class,
				Calls:   attempt,
				Message: failureMessage(me, attempt),
				Err:     err,
			}
		}

		wait := o.policy.Backoff(me, attempt, o.jitter)
		log.Warn().Err(err).Str("class", string(me.Class)).Int("attempt", attempt).
			Dur("wait", wait).Msg("mapping call failed, retrying")
		if err := o.sleep(ctx, wait); err != nil {
			return nil, attempt, err
		}
	}
}

// callOnce treats a 200 without mapped facets as malformed.
func (o *Orchestrator) callOnce(ctx context.Context, record map[string]interface{}) (map[string]interface{}, error) {
	doc, err := o.mapper.Map(ctx, record)
	if err == nil {
		doc, err = Payload(doc)
	}
	if err != nil {
		if me, ok := mapping.AsError(err); ok {
			o.metrics.MappingCall(string(me.Class))
		} else {
			o.metrics.MappingCall("error")
		}
		return nil, err
	}
	o.metrics.MappingCall("ok")
	return doc, nil
}

func outcomeOf(err error) string {
	var f *Failure
	switch {
	case err == nil:
		return "done"
	case errors.As(err, &f):
		return string(f.Class)
	default:
		return "error"
	}
}

func failureMessage(e *mapping.Error, attempts int) string {
	switch e.Class {
	case mapping.ClassAuth:
		return "mapping service rejected credentials: " + e.Error()
	case mapping.ClassRateLimited:
		return fmt.Sprintf("mapping service rate limited after %d attempts: %s", attempts, e.Error())
	case mapping.ClassTimeout:
		return fmt.Sprintf("mapping service timed out after %d attempts: %s", attempts, e.Error())
	default:
		return fmt.Sprintf("mapping service returned malformed response after %d attempts: %s", attempts, e.Error())
	}
}

// fail records a terminal failure on the item. The caller's error is what
// matters, so a write failure here is only logged.
func (o *Orchestrator) fail(ctx context.Context, item *queue.WorkItem, msg string, deadLetter bool, log zerolog.Logger) {
	opts := queue.StatusOptions{ErrorMessage: msg, IncrementAttempts: true}
	if deadLetter {
		dl := true
		opts.DeadLetter = &dl
	}
	if _, err := o.queue.SetStatus(context.WithoutCancel(ctx), item.ID, queue.StatusError, opts); err != nil {
		log.Error().Err(err).Msg("failed to record augmentation failure")
		return
	}
	log.Error().Str("error", msg).Bool("dead_letter", deadLetter).Msg("work item failed")
}

// abandon writes back an error that is not a mapping failure. An interrupted
// run goes back to PENDING so another worker can claim it; anything else is
// recorded as ERROR.
func (o *Orchestrator) abandon(ctx context.Context, item *queue.WorkItem, cause error, log zerolog.Logger) {
	if ctx.Err() == nil {
		o.fail(ctx, item, "augmentation failed: "+cause.Error(), false, log)
		return
	}
	_, err := o.queue.Requeue(context.WithoutCancel(ctx), item.ID, queue.RequeueOptions{
		Status:   queue.StatusPending,
		Priority: item.Priority,
		Note:     "interrupted: " + cause.Error(),
		Expect:   queue.StatusProcessing,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to release interrupted work item")
		return
	}
	log.Warn().Err(cause).Msg("work item released after interruption")
}

func recordCorrelation(record map[string]interface{}) string {
	for _, k := range []string{"correlation_id", "correlationId", "encounter_id", "encounterId"} {
		switch v := record[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
