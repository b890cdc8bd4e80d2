package saga

import "context"

// Repository persists saga states. Update is conditional on State.Version and advances it on
// success; a stale version yields errs.ErrStorageConflict. Create yields errs.ErrStorageConflict
// when a saga already exists for the aggregate. Lookups yield errs.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, state *State) error
	Get(ctx context.Context, sagaID string) (*State, error)
	FindByAggregateID(ctx context.Context, aggregateID string) (*State, error)
	Update(ctx context.Context, state *State) error
	// ListCompensationRequired returns at most limit sagas; limit <= 0 returns all of them.
	ListCompensationRequired(ctx context.Context, limit int) ([]*State, error)
}
