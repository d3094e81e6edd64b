package settle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HumansWindow/lastproject-sub014/internal/ledger"
	"github.com/HumansWindow/lastproject-sub014/internal/rpc"
	"github.com/HumansWindow/lastproject-sub014/internal/types"
)

type memStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*types.IssuanceRequest
	records  []types.IssuanceRecord

	markSubmittedErrs int // MarkSubmitted calls to fail before succeeding
}

func newMemStore() *memStore {
	return &memStore{requests: make(map[uuid.UUID]*types.IssuanceRequest)}
}

func (m *memStore) addPending(wallet string, typ types.IssuanceType, createdAt time.Time) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.requests[id] = &types.IssuanceRequest{
		ID:            id,
		WalletAddress: wallet,
		UserID:        uuid.New(),
		DeviceID:      "dev-" + wallet[:8],
		IssuanceType:  typ,
		Status:        types.StatusPending,
		CreatedAt:     createdAt,
	}
	if typ == types.IssuanceTypeFirst {
		m.requests[id].EligibilityProof = make([]byte, 32)
	}
	return id
}

func (m *memStore) status(id uuid.UUID) types.RequestStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].Status
}

func (m *memStore) ClaimNextBatch(_ context.Context, maxSize int) ([]types.IssuanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*types.IssuanceRequest
	for _, req := range m.requests {
		if req.Status == types.StatusPending {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > maxSize {
		pending = pending[:maxSize]
	}
	var batch []types.IssuanceRequest
	for _, req := range pending {
		req.Status = types.StatusInBatch
		req.UpdatedAt = time.Now()
		batch = append(batch, *req)
	}
	return batch, nil
}

func (m *memStore) MarkSubmitted(_ context.Context, ids []uuid.UUID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markSubmittedErrs > 0 {
		m.markSubmittedErrs--
		return errors.New("store connection reset")
	}
	for _, id := range ids {
		req := m.requests[id]
		if req.Status == types.StatusInBatch {
			req.Status = types.StatusSubmitted
			req.UpdatedAt = time.Now()
			ref := txRef
			req.TxRef = &ref
		}
	}
	return nil
}

func (m *memStore) RetryOrFail(_ context.Context, ids []uuid.UUID, maxRetries int, cause string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed int
	for _, id := range ids {
		req := m.requests[id]
		if req.Status != types.StatusInBatch {
			continue
		}
		req.RetryCount++
		req.LastError = &cause
		req.TxRef = nil
		if req.RetryCount >= maxRetries {
			req.Status = types.StatusFailed
			failed++
		} else {
			req.Status = types.StatusPending
		}
	}
	return failed, nil
}

func (m *memStore) MarkFailed(_ context.Context, ids []uuid.UUID, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		req := m.requests[id]
		if req.Status == types.StatusInBatch || req.Status == types.StatusSubmitted {
			req.Status = types.StatusFailed
			req.LastError = &cause
			req.TxRef = nil
		}
	}
	return nil
}

func (m *memStore) CompleteWithRecords(_ context.Context, reqs []types.IssuanceRequest, txRef, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range reqs {
		stored := m.requests[req.ID]
		stored.Status = types.StatusCompleted
		ref := txRef
		stored.TxRef = &ref
		m.records = append(m.records, types.IssuanceRecord{
			ID:            uuid.New(),
			WalletAddress: req.WalletAddress,
			IssuanceType:  req.IssuanceType,
			Amount:        amount,
			TxRef:         txRef,
			DeviceID:      req.DeviceID,
			IssuedAt:      time.Now(),
		})
	}
	return nil
}

func (m *memStore) ListStaleInBatch(_ context.Context, cutoff time.Time) ([]types.IssuanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.IssuanceRequest
	for _, req := range m.requests {
		if req.Status == types.StatusInBatch && req.UpdatedAt.Before(cutoff) {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *memStore) ListSubmitted(_ context.Context) ([]types.IssuanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.IssuanceRequest
	for _, req := range m.requests {
		if req.Status == types.StatusSubmitted {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *memStore) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.Status == types.StatusPending {
			n++
		}
	}
	return n, nil
}

// fakeAdapter scripts submission and confirmation outcomes per
// endpoint URL.
type fakeAdapter struct {
	mu          sync.Mutex
	failURLs    map[string]error
	submitted   int
	confirmed   bool
	reverted    bool
	notFoundYet int // confirmations to report unconfirmed before confirming
}

func (f *fakeAdapter) SubmitBatchMint(_ context.Context, ep *rpc.Endpoint, typ types.IssuanceType, entries []ledger.MintEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failURLs[ep.URL]; ok {
		return "", err
	}
	f.submitted++
	return fmt.Sprintf("0xtx%s%d", typ, f.submitted), nil
}

func (f *fakeAdapter) GetConfirmation(_ context.Context, _ *rpc.Endpoint, _ string) (*ledger.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFoundYet > 0 {
		f.notFoundYet--
		return &ledger.Confirmation{Confirmed: false}, nil
	}
	if f.reverted {
		return &ledger.Confirmation{Confirmed: true, Reverted: true, Reason: "already minted"}, nil
	}
	if f.confirmed {
		return &ledger.Confirmation{Confirmed: true, BlockHeight: 1200}, nil
	}
	return &ledger.Confirmation{Confirmed: false}, nil
}

func (f *fakeAdapter) GetCommitmentRoot(_ context.Context, _ *rpc.Endpoint) ([32]byte, error) {
	return [32]byte{}, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig() Config {
	return Config{
		Network:                   "polygon",
		Amount:                    "1000000000000000000",
		MaxBatchSize:              10,
		TickInterval:              time.Second,
		MaxRetries:                3,
		SubmitTimeout:             time.Second,
		ConfirmAttempts:           3,
		ConfirmInterval:           time.Millisecond,
		AlertAfterNoEndpointTicks: 2,
	}
}

func newTestScheduler(store Store, adapter ledger.Adapter, urls []string, unhealthyAfter int) (*Scheduler, *rpc.Registry) {
	registry := rpc.NewRegistry(map[string][]string{"polygon": urls}, unhealthyAfter, testLogger())
	s := NewScheduler(store, registry, adapter, testConfig(), testLogger(), nil)
	return s, registry
}

func TestTick_HappyPath(t *testing.T) {
	store := newMemStore()
	first := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypeFirst, time.Now())
	periodic := store.addPending("0x2222222222222222222222222222222222222222", types.IssuanceTypePeriodic, time.Now())

	adapter := &fakeAdapter{confirmed: true}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	require.True(t, s.Tick(context.Background()))

	assert.Equal(t, types.StatusCompleted, store.status(first))
	assert.Equal(t, types.StatusCompleted, store.status(periodic))
	require.NotNil(t, store.requests[first].TxRef)
	assert.NotEmpty(t, *store.requests[first].TxRef)
	assert.Len(t, store.records, 2)
	assert.Equal(t, 2, adapter.submitted, "one submission per issuance-type partition")
}

func TestTick_EmptyQueueIsNoop(t *testing.T) {
	store := newMemStore()
	adapter := &fakeAdapter{confirmed: true}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	require.True(t, s.Tick(context.Background()))
	assert.Zero(t, adapter.submitted)
}

func TestTick_BatchBound(t *testing.T) {
	store := newMemStore()
	base := time.Now()
	for i := 0; i < 25; i++ {
		store.addPending(fmt.Sprintf("0x%040d", i), types.IssuanceTypePeriodic, base.Add(time.Duration(i)*time.Second))
	}

	adapter := &fakeAdapter{confirmed: true}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	s.Tick(context.Background())

	completed := 0
	store.mu.Lock()
	for _, req := range store.requests {
		if req.Status == types.StatusCompleted {
			completed++
		}
	}
	store.mu.Unlock()
	assert.Equal(t, 10, completed, "tick settles at most MaxBatchSize requests")
}

func TestTick_TransientFailureRevertsThenSucceeds(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypePeriodic, time.Now())

	adapter := &fakeAdapter{
		confirmed: true,
		failURLs:  map[string]error{"https://a.example": errors.New("i/o timeout")},
	}
	s, registry := newTestScheduler(store, adapter, []string{"https://a.example"}, 1)

	s.Tick(context.Background())
	assert.Equal(t, types.StatusPending, store.status(id), "reverted for retry")
	assert.Equal(t, 1, store.requests[id].RetryCount)

	// Endpoint comes back before the next tick.
	_, err := registry.Select("polygon")
	require.ErrorIs(t, err, rpc.ErrNoHealthyEndpoint)
	adapter.mu.Lock()
	delete(adapter.failURLs, "https://a.example")
	adapter.mu.Unlock()
	registry.ReportOutcome(registry.Endpoints("polygon")[0], true, 10*time.Millisecond)

	s.Tick(context.Background())
	assert.Equal(t, types.StatusCompleted, store.status(id))
}

func TestTick_FailoverToSecondEndpoint(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypePeriodic, time.Now())

	adapter := &fakeAdapter{
		confirmed: true,
		failURLs:  map[string]error{"https://a.example": errors.New("connection refused")},
	}
	s, registry := newTestScheduler(store, adapter, []string{"https://a.example", "https://b.example"}, 1)

	// First tick may pick A and fail; tick until the request settles
	// through B. Two ticks suffice: A is demoted after one failure.
	s.Tick(context.Background())
	if store.status(id) != types.StatusCompleted {
		s.Tick(context.Background())
	}
	assert.Equal(t, types.StatusCompleted, store.status(id))

	_, err := registry.Select("polygon")
	assert.NoError(t, err, "endpoint B still selectable")
}

func TestTick_PermanentFailure(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypeFirst, time.Now())

	adapter := &fakeAdapter{
		failURLs: map[string]error{
			"https://a.example": fmt.Errorf("%w: execution reverted: already minted", ledger.ErrLedgerRejected),
		},
	}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	s.Tick(context.Background())

	assert.Equal(t, types.StatusFailed, store.status(id))
	assert.Equal(t, 0, store.requests[id].RetryCount, "permanent failures are not retried")
}

func TestTick_RetryExhaustionFails(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypePeriodic, time.Now())

	adapter := &fakeAdapter{
		failURLs: map[string]error{"https://a.example": errors.New("rate limited")},
	}
	s, registry := newTestScheduler(store, adapter, []string{"https://a.example"}, 100)
	_ = registry

	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
	}

	assert.Equal(t, types.StatusFailed, store.status(id))
	assert.Equal(t, 3, store.requests[id].RetryCount)
}

func TestTick_NoHealthyEndpointAlert(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypePeriodic, time.Now())

	adapter := &fakeAdapter{confirmed: true}
	s, registry := newTestScheduler(store, adapter, []string{"https://a.example"}, 1)
	registry.ReportOutcome(registry.Endpoints("polygon")[0], false, 0)

	s.Tick(context.Background())
	assert.Equal(t, types.StatusPending, store.status(id))
	assert.Equal(t, 1, s.noEndpointTicks)

	s.Tick(context.Background())
	assert.Equal(t, 2, s.noEndpointTicks, "alert threshold reached")
}

func TestTick_OverlapGuard(t *testing.T) {
	store := newMemStore()
	adapter := &fakeAdapter{confirmed: true}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	require.True(t, s.running.CompareAndSwap(false, true))
	assert.False(t, s.Tick(context.Background()), "tick skipped while another runs")
	s.running.Store(false)
	assert.True(t, s.Tick(context.Background()))
}

func TestTick_ConfirmationAfterDelay(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypePeriodic, time.Now())

	adapter := &fakeAdapter{confirmed: true, notFoundYet: 2}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	s.Tick(context.Background())
	assert.Equal(t, types.StatusCompleted, store.status(id))
}

func TestTick_ResolvesStrandedSubmitted(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypePeriodic, time.Now())

	// Exhaust the confirmation budget: receipt never appears.
	adapter := &fakeAdapter{confirmed: false}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	s.Tick(context.Background())
	require.Equal(t, types.StatusSubmitted, store.status(id))

	// The receipt lands before the next tick; the resolve pass at tick
	// start completes the request without re-claiming it.
	adapter.mu.Lock()
	adapter.confirmed = true
	adapter.mu.Unlock()

	s.Tick(context.Background())
	assert.Equal(t, types.StatusCompleted, store.status(id))
	assert.Len(t, store.records, 1)
}

func TestTick_RevertedBatchFails(t *testing.T) {
	store := newMemStore()
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypePeriodic, time.Now())

	adapter := &fakeAdapter{reverted: true}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)

	s.Tick(context.Background())
	assert.Equal(t, types.StatusFailed, store.status(id))
	require.NotNil(t, store.requests[id].LastError)
	assert.Contains(t, *store.requests[id].LastError, "already minted")
}


func TestTick_RecoversStaleInBatch(t *testing.T) {
	store := newMemStore()
	store.markSubmittedErrs = 1
	id := store.addPending("0x1111111111111111111111111111111111111111", types.IssuanceTypeFirst, time.Now())

	adapter := &fakeAdapter{confirmed: true}
	s, _ := newTestScheduler(store, adapter, []string{"https://a.example"}, 3)
	s.cfg.StaleInBatchAfter = time.Minute

	// First tick broadcasts but cannot record the submission; the
	// request is stuck between the claim and resolution paths.
	require.True(t, s.Tick(context.Background()))
	require.Equal(t, types.StatusInBatch, store.status(id))

	// Within the staleness window nothing is swept.
	require.True(t, s.Tick(context.Background()))
	require.Equal(t, types.StatusInBatch, store.status(id))

	store.mu.Lock()
	store.requests[id].UpdatedAt = time.Now().Add(-2 * time.Minute)
	store.mu.Unlock()

	require.True(t, s.Tick(context.Background()))

	assert.Equal(t, types.StatusCompleted, store.status(id))
	assert.Equal(t, 1, store.requests[id].RetryCount)
	assert.Len(t, store.records, 1)
}
