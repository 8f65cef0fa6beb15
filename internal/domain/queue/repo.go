package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("work item not found")
	ErrValidation        = errors.New("invalid request")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict means the item was not in the status the caller expected,
	// usually because another caller took it first.
	ErrConflict = errors.New("work item status changed")
)

// Repository persists work items. Implementations must make ClaimNext safe
// under concurrent callers in separate processes: two callers never receive
// the same item and neither blocks on an item the other holds.
type Repository interface {
	Create(ctx context.Context, item *WorkItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*WorkItem, error)
	// List returns items newest first.
	List(ctx context.Context, f Filter) ([]*WorkItem, error)
	// ClaimNext flips the first claimable PENDING item to PROCESSING and
	// returns it, or returns nil, nil when nothing is claimable.
	ClaimNext(ctx context.Context) (*WorkItem, error)
	// Update loads the item, applies mutate and writes it back in one
	// transaction. Returning an error from mutate aborts the write.
	Update(ctx context.Context, id uuid.UUID, mutate func(*WorkItem) error) (*WorkItem, error)
	// DeadLetters returns ERROR items flagged dead_letter, most recently
	// updated first.
	DeadLetters(ctx context.Context, limit int) ([]*WorkItem, error)
}
