package deals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

func (r *PGRepo) GetDeal(ctx context.Context, dealID string) (Deal, error) {
	const query = `
SELECT id, fund_id, company_name, industry, location, deal_size, valuation, queue_status
FROM deals
WHERE id = $1`

	var d Deal
	var dealSize, valuation sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, query, dealID).Scan(
		&d.ID,
		&d.FundID,
		&d.CompanyName,
		&d.Industry,
		&d.Location,
		&dealSize,
		&valuation,
		&d.QueueStatus,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, err
	}
	if dealSize.Valid {
		d.DealSize = &dealSize.Float64
	}
	if valuation.Valid {
		d.Valuation = &valuation.Float64
	}
	return d, nil
}

func (r *PGRepo) GetFund(ctx context.Context, fundID string) (Fund, error) {
	const query = `
SELECT id, name, fund_type, industries, geographies, recency_days
FROM funds
WHERE id = $1`

	var f Fund
	var industries, geographies, recency []byte
	err := r.DB.QueryRowContext(ctx, query, fundID).Scan(
		&f.ID,
		&f.Name,
		&f.FundType,
		&industries,
		&geographies,
		&recency,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Fund{}, ErrNotFound
		}
		return Fund{}, err
	}
	if err := unmarshalIfPresent(industries, &f.Industries); err != nil {
		return Fund{}, err
	}
	if err := unmarshalIfPresent(geographies, &f.Geographies); err != nil {
		return Fund{}, err
	}
	if err := unmarshalIfPresent(recency, &f.RecencyDays); err != nil {
		return Fund{}, err
	}
	return f, nil
}

func (r *PGRepo) SetQueueStatus(ctx context.Context, dealID, status string) error {
	if !IsValidQueueStatus(status) {
		return ErrInvalidQueueStatus
	}
	res, err := r.DB.ExecContext(ctx, `
UPDATE deals
SET queue_status = $2,
    updated_at = now()
WHERE id = $1`, dealID, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func unmarshalIfPresent(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

var _ Repo = (*PGRepo)(nil)
