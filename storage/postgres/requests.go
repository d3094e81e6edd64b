package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/HumansWindow/lastproject-sub014/internal/types"
	"github.com/HumansWindow/lastproject-sub014/storage"
)

const uniqueViolation = "23505"

// qualify prefixes every column in a comma-separated list with a table
// alias, for RETURNING clauses on aliased updates.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

const requestColumns = `id, wallet_address, user_id, device_id, issuance_type, status,
	eligibility_proof, retry_count, last_error, tx_ref, created_at, updated_at, processed_at`

func scanRequest(row pgx.Row) (*types.IssuanceRequest, error) {
	var req types.IssuanceRequest
	err := row.Scan(
		&req.ID, &req.WalletAddress, &req.UserID, &req.DeviceID, &req.IssuanceType,
		&req.Status, &req.EligibilityProof, &req.RetryCount, &req.LastError,
		&req.TxRef, &req.CreatedAt, &req.UpdatedAt, &req.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (p *PostgresBackend) InsertRequest(ctx context.Context, req *types.IssuanceRequest) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO issuance_requests
			(id, wallet_address, user_id, device_id, issuance_type, status, eligibility_proof)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.WalletAddress, req.UserID, req.DeviceID, req.IssuanceType,
		req.Status, req.EligibilityProof,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrAlreadyInFlight
		}
		return fmt.Errorf("failed to insert issuance request: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetRequest(ctx context.Context, id uuid.UUID) (*types.IssuanceRequest, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM issuance_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get issuance request: %w", err)
	}
	return req, nil
}

// CancelRequest flips a still-PENDING request owned by userID to
// CANCELLED. Returns false when the request was already claimed by a
// batch, already terminal, or not owned by userID.
func (p *PostgresBackend) CancelRequest(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE issuance_requests
		SET status = 'CANCELLED', updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'PENDING'`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel issuance request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresBackend) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM issuance_requests WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}

// ClaimNextBatch selects up to maxSize of the oldest PENDING requests
// and transitions them to IN_BATCH in one statement. SKIP LOCKED keeps
// concurrent workers from ever claiming the same row.
func (p *PostgresBackend) ClaimNextBatch(ctx context.Context, maxSize int) ([]types.IssuanceRequest, error) {
	rows, err := p.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM issuance_requests
			WHERE status = 'PENDING'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE issuance_requests r
		SET status = 'IN_BATCH', updated_at = now()
		FROM picked
		WHERE r.id = picked.id
		RETURNING `+qualify(requestColumns, "r"),
		maxSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	defer rows.Close()

	var batch []types.IssuanceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed request: %w", err)
		}
		batch = append(batch, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed batch: %w", err)
	}
	return batch, nil
}

func (p *PostgresBackend) MarkSubmitted(ctx context.Context, ids []uuid.UUID, txRef string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE issuance_requests
		SET status = 'SUBMITTED', tx_ref = $2, last_error = NULL, updated_at = now()
		WHERE id = ANY($1) AND status = 'IN_BATCH'`,
		ids, txRef,
	)
	if err != nil {
		return fmt.Errorf("failed to mark requests submitted: %w", err)
	}
	return nil
}

// RetryOrFail reverts the claimed requests to PENDING with an
// incremented retry count, except the ones whose count would exceed
// maxRetries, which become FAILED instead. Returns how many requests
// went FAILED.
func (p *PostgresBackend) RetryOrFail(ctx context.Context, ids []uuid.UUID, maxRetries int, cause string) (int, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE issuance_requests
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $2 THEN 'FAILED' ELSE 'PENDING' END,
			processed_at = CASE WHEN retry_count + 1 >= $2 THEN now() ELSE processed_at END,
			last_error = $3,
			tx_ref = NULL,
			updated_at = now()
		WHERE id = ANY($1) AND status = 'IN_BATCH'
		RETURNING status`,
		ids, maxRetries, cause,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revert requests for retry: %w", err)
	}
	defer rows.Close()

	var failed int
	for rows.Next() {
		var status types.RequestStatus
		if err := rows.Scan(&status); err != nil {
			return 0, fmt.Errorf("failed to scan reverted request: %w", err)
		}
		if status == types.StatusFailed {
			failed++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read reverted requests: %w", err)
	}
	return failed, nil
}

func (p *PostgresBackend) MarkFailed(ctx context.Context, ids []uuid.UUID, cause string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE issuance_requests
		SET status = 'FAILED', last_error = $2, tx_ref = NULL, processed_at = now(), updated_at = now()
		WHERE id = ANY($1) AND status IN ('IN_BATCH', 'SUBMITTED')`,
		ids, cause,
	)
	if err != nil {
		return fmt.Errorf("failed to mark requests failed: %w", err)
	}
	return nil
}

// ListStaleInBatch returns IN_BATCH requests untouched since cutoff,
// left behind by a tick that crashed or lost its store connection
// between claiming and marking submitted.
func (p *PostgresBackend) ListStaleInBatch(ctx context.Context, cutoff time.Time) ([]types.IssuanceRequest, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM issuance_requests
		WHERE status = 'IN_BATCH' AND updated_at < $1
		ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale in-batch requests: %w", err)
	}
	defer rows.Close()

	var reqs []types.IssuanceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale request: %w", err)
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stale requests: %w", err)
	}
	return reqs, nil
}

func (p *PostgresBackend) ListSubmitted(ctx context.Context) ([]types.IssuanceRequest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM issuance_requests WHERE status = 'SUBMITTED' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list submitted requests: %w", err)
	}
	defer rows.Close()

	var reqs []types.IssuanceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submitted request: %w", err)
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read submitted requests: %w", err)
	}
	return reqs, nil
}
