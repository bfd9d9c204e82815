package deals

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidQueueStatus = errors.New("invalid queue status")
)

// Repo exposes the deal and fund context the pipeline reads.
type Repo interface {
	GetDeal(ctx context.Context, dealID string) (Deal, error)
	GetFund(ctx context.Context, fundID string) (Fund, error)
	SetQueueStatus(ctx context.Context, dealID, status string) error
}
