package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PGStore implements Store using Postgres.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) RecordSources(ctx context.Context, sources []Source) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const query = `
INSERT INTO evidence_sources (id, deal_id, engine_name, source_url, retrieved_at, confidence_score)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

	inserted := 0
	for _, src := range sources {
		res, err := tx.ExecContext(ctx, query,
			src.ID,
			src.DealID,
			src.EngineName,
			src.SourceURL,
			src.RetrievedAt,
			src.ConfidenceScore,
		)
		if err != nil {
			return 0, fmt.Errorf("insert evidence source %s: %w", src.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *PGStore) ListByDeal(ctx context.Context, dealID string) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, deal_id, engine_name, source_url, retrieved_at, confidence_score
FROM evidence_sources
WHERE deal_id = $1
ORDER BY id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.DealID, &src.EngineName, &src.SourceURL, &src.RetrievedAt, &src.ConfidenceScore); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertAppendix(ctx context.Context, a Appendix) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO evidence_appendices (deal_id, fund_id, verdict, block_code, payload, evaluated_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, now())
ON CONFLICT (deal_id) DO UPDATE
SET fund_id = EXCLUDED.fund_id,
    verdict = EXCLUDED.verdict,
    block_code = EXCLUDED.block_code,
    payload = EXCLUDED.payload,
    evaluated_at = EXCLUDED.evaluated_at,
    updated_at = now()`,
		a.DealID,
		a.FundID,
		a.Verdict,
		a.BlockCode,
		payload,
		a.EvaluatedAt,
	)
	return err
}

func (s *PGStore) GetAppendix(ctx context.Context, dealID string) (Appendix, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT payload
FROM evidence_appendices
WHERE deal_id = $1`, dealID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appendix{}, ErrNotFound
		}
		return Appendix{}, err
	}
	var a Appendix
	if err := json.Unmarshal(payload, &a); err != nil {
		return Appendix{}, fmt.Errorf("decode appendix: %w", err)
	}
	return a, nil
}

var _ Store = (*PGStore)(nil)
