package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HumansWindow/lastproject-sub014/internal/types"
)

// CompleteWithRecords transitions the submitted requests to COMPLETED
// and appends one issuance record per request, in a single transaction
// so a crash can never complete a request without its record.
func (p *PostgresBackend) CompleteWithRecords(ctx context.Context, reqs []types.IssuanceRequest, txRef, amount string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin completion tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.ID)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE issuance_requests
		SET status = 'COMPLETED', tx_ref = $2, processed_at = now(), updated_at = now()
		WHERE id = ANY($1) AND status IN ('IN_BATCH', 'SUBMITTED')`,
		ids, txRef,
	)
	if err != nil {
		return fmt.Errorf("failed to mark requests completed: %w", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("completed %d of %d requests, refusing partial completion", tag.RowsAffected(), len(ids))
	}

	for _, req := range reqs {
		_, err = tx.Exec(ctx, `
			INSERT INTO issuance_records (id, wallet_address, issuance_type, amount, tx_ref, device_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), req.WalletAddress, req.IssuanceType, amount, txRef, req.DeviceID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert issuance record for %s: %w", req.WalletAddress, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit completion tx: %w", err)
	}
	return nil
}

func (p *PostgresBackend) HasFirstRecord(ctx context.Context, walletAddress string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM issuance_records
			WHERE wallet_address = $1 AND issuance_type = 'FIRST'
		)`, walletAddress).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check first issuance record: %w", err)
	}
	return exists, nil
}

// LatestRecordTime returns the issued_at of the wallet's most recent
// record of any type, or the zero time when the wallet has none.
func (p *PostgresBackend) LatestRecordTime(ctx context.Context, walletAddress string) (time.Time, error) {
	var latest *time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT max(issued_at) FROM issuance_records WHERE wallet_address = $1`,
		walletAddress).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest issuance record: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (p *PostgresBackend) ListRecords(ctx context.Context, walletAddress string) ([]types.IssuanceRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, wallet_address, issuance_type, amount, tx_ref, device_id, issued_at
		FROM issuance_records
		WHERE wallet_address = $1
		ORDER BY issued_at DESC`,
		walletAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list issuance records: %w", err)
	}
	defer rows.Close()

	var records []types.IssuanceRecord
	for rows.Next() {
		var rec types.IssuanceRecord
		err := rows.Scan(&rec.ID, &rec.WalletAddress, &rec.IssuanceType, &rec.Amount,
			&rec.TxRef, &rec.DeviceID, &rec.IssuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issuance record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issuance records: %w", err)
	}
	return records, nil
}
