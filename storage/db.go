package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HumansWindow/lastproject-sub014/internal/types"
)

var (
	// ErrAlreadyInFlight signals the per-wallet single-in-flight
	// uniqueness rule rejected an insert.
	ErrAlreadyInFlight = errors.New("issuance request already in flight for wallet")
	// ErrNotFound signals the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// DatabaseStorage is the durable issuance queue and record store. The
// queue rows are shared between the intake API and the settlement
// worker; ClaimNextBatch is the single atomic claim point, safe under
// concurrent workers.
type DatabaseStorage interface {
	Close() error

	InsertRequest(ctx context.Context, req *types.IssuanceRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*types.IssuanceRequest, error)
	CancelRequest(ctx context.Context, id, userID uuid.UUID) (bool, error)
	CountPending(ctx context.Context) (int, error)

	ClaimNextBatch(ctx context.Context, maxSize int) ([]types.IssuanceRequest, error)
	MarkSubmitted(ctx context.Context, ids []uuid.UUID, txRef string) error
	RetryOrFail(ctx context.Context, ids []uuid.UUID, maxRetries int, cause string) (int, error)
	MarkFailed(ctx context.Context, ids []uuid.UUID, cause string) error
	CompleteWithRecords(ctx context.Context, reqs []types.IssuanceRequest, txRef, amount string) error
	ListSubmitted(ctx context.Context) ([]types.IssuanceRequest, error)
	ListStaleInBatch(ctx context.Context, cutoff time.Time) ([]types.IssuanceRequest, error)

	HasFirstRecord(ctx context.Context, walletAddress string) (bool, error)
	LatestRecordTime(ctx context.Context, walletAddress string) (time.Time, error)
	ListRecords(ctx context.Context, walletAddress string) ([]types.IssuanceRecord, error)

	Pool() *pgxpool.Pool
}

type RedisConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     string `mapstructure:"port" json:"port,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db,omitempty"`
}
