package types

import (
	"time"

	"github.com/google/uuid"
)

type IssuanceType string

const (
	IssuanceTypeFirst    IssuanceType = "FIRST"
	IssuanceTypePeriodic IssuanceType = "PERIODIC"
)

func (t IssuanceType) Valid() bool {
	return t == IssuanceTypeFirst || t == IssuanceTypePeriodic
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusInBatch   RequestStatus = "IN_BATCH"
	StatusSubmitted RequestStatus = "SUBMITTED"
	StatusCompleted RequestStatus = "COMPLETED"
	StatusFailed    RequestStatus = "FAILED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transition can leave the status.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IssuanceRequest is the queue-owned record of one issuance attempt.
// Created by the intake API, mutated only by the queue and the
// settlement scheduler, retained forever once terminal.
type IssuanceRequest struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	WalletAddress    string        `db:"wallet_address" json:"walletAddress"`
	UserID           uuid.UUID     `db:"user_id" json:"userId"`
	DeviceID         string        `db:"device_id" json:"deviceId"`
	IssuanceType     IssuanceType  `db:"issuance_type" json:"issuanceType"`
	Status           RequestStatus `db:"status" json:"status"`
	EligibilityProof []byte        `db:"eligibility_proof" json:"-"`
	RetryCount       int           `db:"retry_count" json:"retryCount"`
	LastError        *string       `db:"last_error" json:"lastError,omitempty"`
	TxRef            *string       `db:"tx_ref" json:"transactionRef,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updatedAt"`
	ProcessedAt      *time.Time    `db:"processed_at" json:"processedAt,omitempty"`
}

// IssuanceRecord is the append-only proof that a wallet was credited.
// Exactly one row per successful settlement; the source of truth for
// "already received FIRST" and "last PERIODIC grant".
type IssuanceRecord struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	WalletAddress string       `db:"wallet_address" json:"walletAddress"`
	IssuanceType  IssuanceType `db:"issuance_type" json:"issuanceType"`
	Amount        string       `db:"amount" json:"amount"`
	TxRef         string       `db:"tx_ref" json:"transactionRef"`
	DeviceID      string       `db:"device_id" json:"deviceId"`
	IssuedAt      time.Time    `db:"issued_at" json:"issuedAt"`
}
