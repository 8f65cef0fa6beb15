package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockWorkItemRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*WorkItem
	seq   map[uuid.UUID]int
	next  int
	clock time.Time
}

func newMockWorkItemRepo() *mockWorkItemRepo {
	return &mockWorkItemRepo{
		store: make(map[uuid.UUID]*WorkItem),
		seq:   make(map[uuid.UUID]int),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockWorkItemRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func clone(w *WorkItem) *WorkItem {
	cp := *w
	b, _ := w.Payload.marshal()
	cp.Payload, _ = unmarshalPayload(b)
	return &cp
}

func (m *mockWorkItemRepo) Create(_ context.Context, w *WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := m.tick()
	w.CreatedAt, w.UpdatedAt = now, now
	m.store[w.ID] = clone(w)
	m.next++
	m.seq[w.ID] = m.next
	return nil
}

func (m *mockWorkItemRepo) GetByID(_ context.Context, id uuid.UUID) (*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(w), nil
}

func (m *mockWorkItemRepo) sorted(less func(a, b *WorkItem) bool) []*WorkItem {
	var r []*WorkItem
	for _, w := range m.store {
		r = append(r, w)
	}
	sort.Slice(r, func(i, j int) bool { return less(r[i], r[j]) })
	return r
}

func (m *mockWorkItemRepo) List(_ context.Context, f Filter) ([]*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []*WorkItem{}
	for _, w := range m.sorted(func(a, b *WorkItem) bool { return m.seq[a.ID] > m.seq[b.ID] }) {
		if f.ID != nil && w.ID != *f.ID {
			continue
		}
		if f.CorrelationID != "" && w.CorrelationID != f.CorrelationID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		items = append(items, clone(w))
		if f.Limit > 0 && len(items) == f.Limit {
			break
		}
	}
	return items, nil
}

func (m *mockWorkItemRepo) ClaimNext(_ context.Context) (*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.sorted(func(a, b *WorkItem) bool {
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		return m.seq[a.ID] < m.seq[b.ID]
	}) {
		if w.Status == StatusPending {
			w.Status = StatusProcessing
			w.UpdatedAt = m.tick()
			return clone(w), nil
		}
	}
	return nil, nil
}

func (m *mockWorkItemRepo) Update(_ context.Context, id uuid.UUID, mutate func(*WorkItem) error) (*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := clone(w)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = m.tick()
	m.store[id] = cp
	return clone(cp), nil
}

func (m *mockWorkItemRepo) DeadLetters(_ context.Context, limit int) ([]*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []*WorkItem{}
	for _, w := range m.sorted(func(a, b *WorkItem) bool { return a.UpdatedAt.After(b.UpdatedAt) }) {
		if w.Status == StatusError && w.Payload.Result.DeadLetter {
			items = append(items, clone(w))
		}
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func newTestService() *Service {
	return NewService(newMockWorkItemRepo(), zerolog.Nop())
}

func mustEnqueue(t *testing.T, svc *Service, cid string, p Priority) *WorkItem {
	t.Helper()
	w, err := svc.Enqueue(context.Background(), EnqueueRequest{
		CorrelationID: cid,
		Priority:      p,
		Encounter:     map[string]interface{}{"complaints": []interface{}{"headache"}},
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	return w
}

// -- Service Tests --

func TestService_Enqueue(t *testing.T) {
	svc := newTestService()
	w := mustEnqueue(t, svc, "enc-1", "")
	if w.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", w.Status)
	}
	if w.Priority != PriorityNormal {
		t.Errorf("expected NORMAL priority, got %s", w.Priority)
	}
	if w.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", w.Attempts)
	}
}

func TestService_Enqueue_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, EnqueueRequest{CorrelationID: "  "}); !IsValidation(err) {
		t.Errorf("expected validation error for empty correlation id, got %v", err)
	}
	if _, err := svc.Enqueue(ctx, EnqueueRequest{CorrelationID: "x", Priority: "URGENT"}); !IsValidation(err) {
		t.Errorf("expected validation error for bad priority, got %v", err)
	}
}

func TestService_ClaimNext_FIFO(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	first := mustEnqueue(t, svc, "a", PriorityNormal)
	second := mustEnqueue(t, svc, "b", PriorityNormal)
	third := mustEnqueue(t, svc, "c", PriorityNormal)

	for _, want := range []*WorkItem{first, second, third} {
		got, err := svc.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext() error: %v", err)
		}
		if got == nil || got.ID != want.ID {
			t.Fatalf("expected %s, got %v", want.ID, got)
		}
		if got.Status != StatusProcessing {
			t.Errorf("expected PROCESSING, got %s", got.Status)
		}
	}
}

func TestService_ClaimNext_Empty(t *testing.T) {
	svc := newTestService()
	got, err := svc.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil item, got %v", got)
	}
}

func TestService_SetStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusDone, true},
		{StatusProcessing, StatusError, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusPending, StatusDone, false},
		{StatusDone, StatusPending, false},
		{StatusError, StatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			repo := newMockWorkItemRepo()
			svc := NewService(repo, zerolog.Nop())
			w := mustEnqueue(t, svc, "enc", PriorityNormal)
			repo.store[w.ID].Status = tt.from

			_, err := svc.SetStatus(context.Background(), w.ID, tt.to, StatusOptions{})
			if tt.ok && err != nil {
				t.Errorf("expected success, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestService_SetStatus_ExpectedStatus(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := mustEnqueue(t, svc, "enc", PriorityNormal)

	if _, err := svc.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := svc.SetStatus(ctx, w.ID, StatusProcessing, StatusOptions{Expect: StatusPending})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for an already claimed item, got %v", err)
	}

	other := mustEnqueue(t, svc, "enc-2", PriorityNormal)
	got, err := svc.SetStatus(ctx, other.ID, StatusProcessing, StatusOptions{Expect: StatusPending})
	if err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
}

func TestService_SetStatus_UnknownStatus(t *testing.T) {
	svc := newTestService()
	w := mustEnqueue(t, svc, "enc", PriorityNormal)
	_, err := svc.SetStatus(context.Background(), w.ID, Status("FINISHED"), StatusOptions{})
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_SetStatus_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.SetStatus(context.Background(), uuid.New(), StatusDone, StatusOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SetStatus_ErrorWithDeadLetter(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := mustEnqueue(t, svc, "enc", PriorityNormal)
	if _, err := svc.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	dead := true
	got, err := svc.SetStatus(ctx, w.ID, StatusError, StatusOptions{
		ErrorMessage:      "mapping service rejected credentials",
		IncrementAttempts: true,
		DeadLetter:        &dead,
	})
	if err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", got.Attempts)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "mapping service rejected credentials" {
		t.Errorf("unexpected error message: %v", got.ErrorMessage)
	}
	if !got.Payload.Result.DeadLetter {
		t.Error("expected dead_letter flag")
	}

	letters, err := svc.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].ID != w.ID {
		t.Errorf("expected the item in dead letters, got %v", letters)
	}
}

func TestService_SetStatus_DoneStoresAugmented(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := mustEnqueue(t, svc, "enc", PriorityNormal)
	svc.ClaimNext(ctx)

	got, err := svc.SetStatus(ctx, w.ID, StatusDone, StatusOptions{
		Augmented: map[string]interface{}{"severity": map[string]interface{}{"0": 7}},
	})
	if err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	if got.Payload.Result.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}
	if got.Payload.Result.Augmented["severity"] == nil {
		t.Error("expected augmented output to be stored")
	}
	if got.Payload.Encounter == nil {
		t.Error("expected encounter to be preserved")
	}
}

func TestService_Requeue_IncrementsAttemptsFromAnyStatus(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusProcessing, StatusDone, StatusError} {
		t.Run(string(from), func(t *testing.T) {
			repo := newMockWorkItemRepo()
			svc := NewService(repo, zerolog.Nop())
			w := mustEnqueue(t, svc, "enc", PriorityLow)
			repo.store[w.ID].Status = from
			repo.store[w.ID].Attempts = 2

			got, err := svc.Requeue(context.Background(), w.ID, RequeueOptions{Note: "operator retry"})
			if err != nil {
				t.Fatalf("Requeue() error: %v", err)
			}
			if got.Attempts != 3 {
				t.Errorf("expected attempts 3, got %d", got.Attempts)
			}
			if got.Status != StatusPending {
				t.Errorf("expected PENDING, got %s", got.Status)
			}
			if got.Priority != PriorityHigh {
				t.Errorf("expected HIGH priority, got %s", got.Priority)
			}
			hist := got.Payload.Result.RequeueHistory
			if len(hist) != 1 || hist[0].From != from || hist[0].Note != "operator retry" {
				t.Errorf("unexpected requeue history: %+v", hist)
			}
		})
	}
}

func TestService_Requeue_Options(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := mustEnqueue(t, svc, "enc", PriorityNormal)

	got, err := svc.Requeue(ctx, w.ID, RequeueOptions{Status: StatusProcessing, Priority: PriorityLow})
	if err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	if got.Status != StatusProcessing || got.Priority != PriorityLow {
		t.Errorf("expected PROCESSING/LOW, got %s/%s", got.Status, got.Priority)
	}

	if _, err := svc.Requeue(ctx, w.ID, RequeueOptions{Status: StatusDone}); !IsValidation(err) {
		t.Errorf("expected validation error for DONE target, got %v", err)
	}
	if _, err := svc.Requeue(ctx, uuid.New(), RequeueOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Requeue_ExpectedStatus(t *testing.T) {
	repo := newMockWorkItemRepo()
	svc := NewService(repo, zerolog.Nop())
	w := mustEnqueue(t, svc, "enc", PriorityNormal)
	repo.store[w.ID].Status = StatusDone

	_, err := svc.Requeue(context.Background(), w.ID, RequeueOptions{Status: StatusProcessing, Expect: StatusError})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if repo.store[w.ID].Attempts != 0 {
		t.Errorf("expected attempts untouched, got %d", repo.store[w.ID].Attempts)
	}

	got, err := svc.Requeue(context.Background(), w.ID, RequeueOptions{Status: StatusProcessing, Expect: StatusDone})
	if err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
}

func TestService_Requeue_ClearsDeadLetter(t *testing.T) {
	repo := newMockWorkItemRepo()
	svc := NewService(repo, zerolog.Nop())
	w := mustEnqueue(t, svc, "enc", PriorityNormal)
	repo.store[w.ID].Status = StatusError
	repo.store[w.ID].Payload.Result.DeadLetter = true
	repo.store[w.ID].Payload.Result.LastError = "auth"

	got, err := svc.Requeue(context.Background(), w.ID, RequeueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload.Result.DeadLetter {
		t.Error("expected dead_letter to be cleared")
	}
	if got.Payload.Result.LastError != "auth" {
		t.Errorf("expected last_error to be kept, got %q", got.Payload.Result.LastError)
	}
}

func TestService_MergeAction(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	mustEnqueue(t, svc, "enc-9", PriorityNormal)
	newest := mustEnqueue(t, svc, "enc-9", PriorityNormal)

	got, err := svc.MergeAction(ctx, Lookup{CorrelationID: "enc-9"}, "emr_sync", map[string]interface{}{"ok": true})
	if err != nil {
		t.Fatalf("MergeAction() error: %v", err)
	}
	if got.ID != newest.ID {
		t.Errorf("expected newest item %s, got %s", newest.ID, got.ID)
	}
	if got.Payload.Result.Actions["emr_sync"] == nil {
		t.Error("expected action to be stored")
	}

	if _, err := svc.MergeAction(ctx, Lookup{CorrelationID: "enc-9"}, "", nil); !IsValidation(err) {
		t.Errorf("expected validation error for empty action, got %v", err)
	}
	if _, err := svc.MergeAction(ctx, Lookup{}, "x", nil); !IsValidation(err) {
		t.Errorf("expected validation error for empty lookup, got %v", err)
	}
	if _, err := svc.MergeAction(ctx, Lookup{CorrelationID: "missing"}, "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_List(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a := mustEnqueue(t, svc, "a", PriorityNormal)
	b := mustEnqueue(t, svc, "b", PriorityNormal)

	items, err := svc.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != b.ID || items[1].ID != a.ID {
		t.Errorf("expected newest first, got %v", items)
	}

	items, err = svc.List(ctx, Filter{ID: &a.ID})
	if err != nil || len(items) != 1 {
		t.Errorf("expected one item by id, got %v (%v)", items, err)
	}

	if _, err := svc.List(ctx, Filter{Status: "NOPE"}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_FindEncounter(t *testing.T) {
	repo := newMockWorkItemRepo()
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()
	withEncounter := mustEnqueue(t, svc, "enc", PriorityNormal)
	if _, err := svc.Enqueue(ctx, EnqueueRequest{CorrelationID: "enc"}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.FindEncounter(ctx, "enc")
	if err != nil {
		t.Fatalf("FindEncounter() error: %v", err)
	}
	if got.ID != withEncounter.ID {
		t.Errorf("expected item with encounter, got %s", got.ID)
	}
	if _, err := svc.FindEncounter(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
