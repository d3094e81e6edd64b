package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/HumansWindow/lastproject-sub014/internal/deviceapi"
	"github.com/HumansWindow/lastproject-sub014/internal/eligibility"
	"github.com/HumansWindow/lastproject-sub014/internal/ledger"
	"github.com/HumansWindow/lastproject-sub014/internal/types"
	"github.com/HumansWindow/lastproject-sub014/storage"
)

// Intake rejections, surfaced synchronously to the caller. Each maps to
// one error code on the API layer.
var (
	ErrAlreadyInFlight = errors.New("issuance request already in flight")
	ErrNotEligible     = errors.New("wallet not eligible for issuance")
	ErrAlreadyIssued   = errors.New("wallet already received first issuance")
	ErrDeviceMismatch  = errors.New("device not bound to wallet")
	ErrInvalidRequest  = errors.New("invalid issuance request")
)

// RejectionCode maps an intake rejection to its wire code, or "" for
// non-rejection errors.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyInFlight):
		return "ALREADY_IN_FLIGHT"
	case errors.Is(err, ErrNotEligible):
		return "NOT_ELIGIBLE"
	case errors.Is(err, ErrAlreadyIssued):
		return "ALREADY_ISSUED"
	case errors.Is(err, ErrDeviceMismatch):
		return "DEVICE_MISMATCH"
	default:
		return ""
	}
}

// Store is the slice of the durable queue the intake service needs.
type Store interface {
	InsertRequest(ctx context.Context, req *types.IssuanceRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*types.IssuanceRequest, error)
	CancelRequest(ctx context.Context, id, userID uuid.UUID) (bool, error)
	CountPending(ctx context.Context) (int, error)
	HasFirstRecord(ctx context.Context, walletAddress string) (bool, error)
	LatestRecordTime(ctx context.Context, walletAddress string) (time.Time, error)
	ListRecords(ctx context.Context, walletAddress string) ([]types.IssuanceRecord, error)
}

// Service is the queue front: it owns intake validation and the
// rejection taxonomy, and delegates durable state to the store.
type Service struct {
	store    Store
	verifier *eligibility.Verifier
	roots    ledger.RootSource
	devices  deviceapi.Binding
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewService(store Store, verifier *eligibility.Verifier, roots ledger.RootSource, devices deviceapi.Binding, logger logrus.FieldLogger) *Service {
	return &Service{
		store:    store,
		verifier: verifier,
		roots:    roots,
		devices:  devices,
		logger:   logger.WithField("component", "issuance"),
		now:      time.Now,
	}
}

// Enqueue validates the request against the device binding, the
// issuance records and the eligibility rules, then stores it PENDING.
// Checks run before any mutation; a rejection leaves no state behind.
func (s *Service) Enqueue(ctx context.Context, walletAddress string, userID uuid.UUID, deviceID string, issuanceType types.IssuanceType, proof []byte) (*types.IssuanceRequest, error) {
	if !gcommon.IsHexAddress(walletAddress) {
		return nil, fmt.Errorf("%w: malformed wallet address", ErrInvalidRequest)
	}
	if !issuanceType.Valid() {
		return nil, fmt.Errorf("%w: unknown issuance type %s", ErrInvalidRequest, issuanceType)
	}
	if deviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrInvalidRequest)
	}
	if issuanceType == types.IssuanceTypeFirst && len(proof) == 0 {
		return nil, fmt.Errorf("%w: first issuance requires a proof", ErrInvalidRequest)
	}

	bound, err := s.devices.IsDeviceBoundToWallet(ctx, deviceID, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("devices.IsDeviceBoundToWallet: %w", err)
	}
	if !bound {
		return nil, ErrDeviceMismatch
	}

	switch issuanceType {
	case types.IssuanceTypeFirst:
		issued, err := s.store.HasFirstRecord(ctx, walletAddress)
		if err != nil {
			return nil, fmt.Errorf("store.HasFirstRecord: %w", err)
		}
		if issued {
			return nil, ErrAlreadyIssued
		}

		root, err := s.roots.CurrentRoot(ctx)
		if err != nil {
			return nil, fmt.Errorf("roots.CurrentRoot: %w", err)
		}
		if !s.verifier.VerifyFirst(walletAddress, proof, root) {
			return nil, ErrNotEligible
		}
	case types.IssuanceTypePeriodic:
		last, err := s.store.LatestRecordTime(ctx, walletAddress)
		if err != nil {
			return nil, fmt.Errorf("store.LatestRecordTime: %w", err)
		}
		if !s.verifier.VerifyPeriodic(last, s.now()) {
			return nil, ErrNotEligible
		}
	}

	req := &types.IssuanceRequest{
		ID:               uuid.New(),
		WalletAddress:    walletAddress,
		UserID:           userID,
		DeviceID:         deviceID,
		IssuanceType:     issuanceType,
		Status:           types.StatusPending,
		EligibilityProof: proof,
		CreatedAt:        s.now(),
		UpdatedAt:        s.now(),
	}
	if err := s.store.InsertRequest(ctx, req); err != nil {
		if errors.Is(err, storage.ErrAlreadyInFlight) {
			return nil, ErrAlreadyInFlight
		}
		return nil, fmt.Errorf("store.InsertRequest: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"request_id":     req.ID,
		"wallet_address": walletAddress,
		"issuance_type":  issuanceType,
	}).Info("issuance request enqueued")

	return req, nil
}

// Cancel succeeds only while the request is still PENDING and owned by
// the requester. A false return is a no-op, not an error: the request
// was already picked up and will run to a terminal state.
func (s *Service) Cancel(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	cancelled, err := s.store.CancelRequest(ctx, id, userID)
	if err != nil {
		return false, fmt.Errorf("store.CancelRequest: %w", err)
	}
	if cancelled {
		s.logger.WithField("request_id", id).Info("issuance request cancelled")
	}
	return cancelled, nil
}

func (s *Service) Status(ctx context.Context, id uuid.UUID) (*types.IssuanceRequest, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) History(ctx context.Context, walletAddress string) ([]types.IssuanceRecord, error) {
	if !gcommon.IsHexAddress(walletAddress) {
		return nil, fmt.Errorf("%w: malformed wallet address", ErrInvalidRequest)
	}
	return s.store.ListRecords(ctx, walletAddress)
}

func (s *Service) PendingDepth(ctx context.Context) (int, error) {
	return s.store.CountPending(ctx)
}
