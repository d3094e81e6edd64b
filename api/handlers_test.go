package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HumansWindow/lastproject-sub014/internal/eligibility"
	"github.com/HumansWindow/lastproject-sub014/internal/issuance"
	"github.com/HumansWindow/lastproject-sub014/internal/types"
	"github.com/HumansWindow/lastproject-sub014/storage"
)

const (
	testWallet = "0xCafe567890abcdef1234567890ABCDEF12345678"
	peerWallet = "0xBeef567890abcdef1234567890ABCDEF12345678"
	testDevice = "device-123"
)

type stubStore struct {
	requests map[uuid.UUID]*types.IssuanceRequest
	records  []types.IssuanceRecord
}

func (f *stubStore) InsertRequest(_ context.Context, req *types.IssuanceRequest) error {
	for _, existing := range f.requests {
		if existing.WalletAddress == req.WalletAddress &&
			existing.IssuanceType == req.IssuanceType &&
			!existing.Status.Terminal() {
			return storage.ErrAlreadyInFlight
		}
	}
	cp := *req
	f.requests[req.ID] = &cp
	return nil
}

func (f *stubStore) GetRequest(_ context.Context, id uuid.UUID) (*types.IssuanceRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return req, nil
}

func (f *stubStore) CancelRequest(_ context.Context, id, userID uuid.UUID) (bool, error) {
	req, ok := f.requests[id]
	if !ok || req.UserID != userID || req.Status != types.StatusPending {
		return false, nil
	}
	req.Status = types.StatusCancelled
	return true, nil
}

func (f *stubStore) CountPending(_ context.Context) (int, error) { return 0, nil }

func (f *stubStore) HasFirstRecord(_ context.Context, wallet string) (bool, error) {
	for _, rec := range f.records {
		if rec.WalletAddress == wallet && rec.IssuanceType == types.IssuanceTypeFirst {
			return true, nil
		}
	}
	return false, nil
}

func (f *stubStore) LatestRecordTime(_ context.Context, wallet string) (time.Time, error) {
	var latest time.Time
	for _, rec := range f.records {
		if rec.WalletAddress == wallet && rec.IssuedAt.After(latest) {
			latest = rec.IssuedAt
		}
	}
	return latest, nil
}

func (f *stubStore) ListRecords(_ context.Context, wallet string) ([]types.IssuanceRecord, error) {
	var out []types.IssuanceRecord
	for _, rec := range f.records {
		if rec.WalletAddress == wallet {
			out = append(out, rec)
		}
	}
	return out, nil
}

type stubBinding struct{}

func (stubBinding) IsDeviceBoundToWallet(_ context.Context, deviceID, wallet string) (bool, error) {
	return deviceID == testDevice && wallet == testWallet, nil
}

type stubRoots struct{ root [32]byte }

func (s stubRoots) CurrentRoot(_ context.Context) ([32]byte, error) { return s.root, nil }

func newTestServer(t *testing.T) (*Server, *stubStore, string) {
	t.Helper()

	leafA := crypto.Keccak256(gcommon.HexToAddress(testWallet).Bytes())
	leafB := crypto.Keccak256(gcommon.HexToAddress(peerWallet).Bytes())
	var root [32]byte
	if bytes.Compare(leafA, leafB) <= 0 {
		copy(root[:], crypto.Keccak256(leafA, leafB))
	} else {
		copy(root[:], crypto.Keccak256(leafB, leafA))
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := &stubStore{requests: make(map[uuid.UUID]*types.IssuanceRequest)}
	svc := issuance.NewService(store, eligibility.NewVerifier(365), stubRoots{root: root}, stubBinding{}, logger)
	srv := NewServer(Config{}, svc, nil, logger)
	return srv, store, base64.StdEncoding.EncodeToString(leafB)
}

func doJSON(t *testing.T, srv *Server, method, path string, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestEnqueueFirst_Created(t *testing.T) {
	srv, _, proof := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/issuance/first", uuid.NewString(), enqueueRequest{
		WalletAddress: testWallet,
		DeviceID:      testDevice,
		Proof:         proof,
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "PENDING", res.Status)
	assert.NotEmpty(t, res.RequestID)
}

func TestEnqueue_RejectionMapping(t *testing.T) {
	srv, store, proof := newTestServer(t)
	userID := uuid.NewString()

	// Seed one in-flight FIRST request.
	first := doJSON(t, srv, http.MethodPost, "/issuance/first", userID, enqueueRequest{
		WalletAddress: testWallet, DeviceID: testDevice, Proof: proof,
	})
	require.Equal(t, http.StatusCreated, first.Code)

	tests := []struct {
		name     string
		path     string
		body     enqueueRequest
		wantCode string
		wantHTTP int
	}{
		{
			name: "duplicate in flight",
			path: "/issuance/first",
			body: enqueueRequest{WalletAddress: testWallet, DeviceID: testDevice, Proof: proof},

			wantCode: "ALREADY_IN_FLIGHT",
			wantHTTP: http.StatusConflict,
		},
		{
			name:     "device mismatch",
			path:     "/issuance/first",
			body:     enqueueRequest{WalletAddress: testWallet, DeviceID: "rogue", Proof: proof},
			wantCode: "DEVICE_MISMATCH",
			wantHTTP: http.StatusForbidden,
		},
		{
			name:     "periodic not eligible",
			path:     "/issuance/periodic",
			body:     enqueueRequest{WalletAddress: testWallet, DeviceID: testDevice},
			wantCode: "NOT_ELIGIBLE",
			wantHTTP: http.StatusForbidden,
		},
		{
			name:     "missing proof",
			path:     "/issuance/first",
			body:     enqueueRequest{WalletAddress: testWallet, DeviceID: testDevice},
			wantCode: "INVALID_REQUEST",
			wantHTTP: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, tt.path, userID, tt.body)
			assert.Equal(t, tt.wantHTTP, rec.Code)
			var res errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, tt.wantCode, res.Code)
		})
	}

	// ALREADY_ISSUED needs a settled record instead of an in-flight row.
	for _, req := range store.requests {
		req.Status = types.StatusCompleted
	}
	store.records = append(store.records, types.IssuanceRecord{
		WalletAddress: testWallet,
		IssuanceType:  types.IssuanceTypeFirst,
		IssuedAt:      time.Now(),
	})
	rec := doJSON(t, srv, http.MethodPost, "/issuance/first", userID, enqueueRequest{
		WalletAddress: testWallet, DeviceID: testDevice, Proof: proof,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var res errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ALREADY_ISSUED", res.Code)
}

func TestEnqueue_Unauthenticated(t *testing.T) {
	srv, _, proof := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/issuance/first", "", enqueueRequest{
		WalletAddress: testWallet, DeviceID: testDevice, Proof: proof,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusAndCancel(t *testing.T) {
	srv, _, proof := newTestServer(t)
	userID := uuid.NewString()

	created := doJSON(t, srv, http.MethodPost, "/issuance/first", userID, enqueueRequest{
		WalletAddress: testWallet, DeviceID: testDevice, Proof: proof,
	})
	require.Equal(t, http.StatusCreated, created.Code)
	var res enqueueResponse
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &res))

	status := doJSON(t, srv, http.MethodGet, "/issuance/requests/"+res.RequestID, userID, nil)
	require.Equal(t, http.StatusOK, status.Code)
	var snapshot types.IssuanceRequest
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &snapshot))
	assert.Equal(t, types.StatusPending, snapshot.Status)

	missing := doJSON(t, srv, http.MethodGet, "/issuance/requests/"+uuid.NewString(), userID, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	cancel := doJSON(t, srv, http.MethodPost, "/issuance/requests/"+res.RequestID+"/cancel", userID, nil)
	require.Equal(t, http.StatusOK, cancel.Code)
	var cancelRes map[string]bool
	require.NoError(t, json.Unmarshal(cancel.Body.Bytes(), &cancelRes))
	assert.True(t, cancelRes["cancelled"])

	// Cancelling again is a no-op false, not an error.
	again := doJSON(t, srv, http.MethodPost, "/issuance/requests/"+res.RequestID+"/cancel", userID, nil)
	require.Equal(t, http.StatusOK, again.Code)
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &cancelRes))
	assert.False(t, cancelRes["cancelled"])
}

func TestHistory(t *testing.T) {
	srv, store, _ := newTestServer(t)

	store.records = append(store.records, types.IssuanceRecord{
		ID:            uuid.New(),
		WalletAddress: testWallet,
		IssuanceType:  types.IssuanceTypeFirst,
		Amount:        "1000000000000000000",
		TxRef:         "0xabc",
		DeviceID:      testDevice,
		IssuedAt:      time.Now(),
	})

	rec := doJSON(t, srv, http.MethodGet, "/issuance/history/"+testWallet, uuid.NewString(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Items []types.IssuanceRecord `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Items, 1)
	assert.Equal(t, "0xabc", res.Items[0].TxRef)

	empty := doJSON(t, srv, http.MethodGet, "/issuance/history/"+peerWallet, uuid.NewString(), nil)
	require.Equal(t, http.StatusOK, empty.Code)

	bad := doJSON(t, srv, http.MethodGet, "/issuance/history/garbage", uuid.NewString(), nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}
