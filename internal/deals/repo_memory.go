package deals

import (
	"context"
	"sync"
)

// MemoryRepo stores deals and funds in memory.
type MemoryRepo struct {
	mu    sync.RWMutex
	deals map[string]Deal
	funds map[string]Fund
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		deals: make(map[string]Deal),
		funds: make(map[string]Fund),
	}
}

// PutDeal stores or replaces a deal.
func (r *MemoryRepo) PutDeal(d Deal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deals[d.ID] = d
}

// PutFund stores or replaces a fund.
func (r *MemoryRepo) PutFund(f Fund) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funds[f.ID] = f
}

func (r *MemoryRepo) GetDeal(ctx context.Context, dealID string) (Deal, error) {
	if err := ctx.Err(); err != nil {
		return Deal{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deals[dealID]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return d, nil
}

func (r *MemoryRepo) GetFund(ctx context.Context, fundID string) (Fund, error) {
	if err := ctx.Err(); err != nil {
		return Fund{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funds[fundID]
	if !ok {
		return Fund{}, ErrNotFound
	}
	return f, nil
}

func (r *MemoryRepo) SetQueueStatus(ctx context.Context, dealID, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !IsValidQueueStatus(status) {
		return ErrInvalidQueueStatus
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deals[dealID]
	if !ok {
		return ErrNotFound
	}
	d.QueueStatus = status
	r.deals[dealID] = d
	return nil
}

var _ Repo = (*MemoryRepo)(nil)
