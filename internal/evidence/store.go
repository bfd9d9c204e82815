package evidence

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Store persists evidence sources and appendices.
type Store interface {
	// RecordSources inserts sources, ignoring ids that already exist.
	RecordSources(ctx context.Context, sources []Source) (int, error)
	ListByDeal(ctx context.Context, dealID string) ([]Source, error)
	UpsertAppendix(ctx context.Context, a Appendix) error
	GetAppendix(ctx context.Context, dealID string) (Appendix, error)
}
