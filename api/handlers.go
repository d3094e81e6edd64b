package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/HumansWindow/lastproject-sub014/internal/issuance"
	"github.com/HumansWindow/lastproject-sub014/internal/tasks"
	"github.com/HumansWindow/lastproject-sub014/internal/types"
	"github.com/HumansWindow/lastproject-sub014/storage"
)

// userIDHeader carries the authenticated caller, set by the upstream
// auth layer.
const userIDHeader = "X-User-ID"

type enqueueRequest struct {
	WalletAddress string `json:"walletAddress"`
	DeviceID      string `json:"deviceId"`
	Proof         string `json:"proof,omitempty"` // base64, FIRST only
}

type enqueueResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeRejection(w http.ResponseWriter, err error) {
	code := issuance.RejectionCode(err)
	switch code {
	case "ALREADY_IN_FLIGHT", "ALREADY_ISSUED":
		writeJSON(w, http.StatusConflict, errorResponse{Code: code, Message: err.Error()})
	case "NOT_ELIGIBLE", "DEVICE_MISMATCH":
		writeJSON(w, http.StatusForbidden, errorResponse{Code: code, Message: err.Error()})
	default:
		if errors.Is(err, issuance.ErrInvalidRequest) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
			return
		}
		s.logger.WithError(err).Error("enqueue failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal error"})
	}
}

func callerID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get(userIDHeader))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) enqueueFirstHandler(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, types.IssuanceTypeFirst)
}

func (s *Server) enqueuePeriodicHandler(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, types.IssuanceTypePeriodic)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, issuanceType types.IssuanceType) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "missing or malformed " + userIDHeader})
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid JSON"})
		return
	}

	var proof []byte
	if req.Proof != "" {
		var err error
		proof, err = base64.StdEncoding.DecodeString(req.Proof)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "proof is not valid base64"})
			return
		}
	}

	created, err := s.service.Enqueue(r.Context(), req.WalletAddress, userID, req.DeviceID, issuanceType, proof)
	if err != nil {
		s.writeRejection(w, err)
		return
	}

	s.nudgeWorker(r)
	writeJSON(w, http.StatusCreated, enqueueResponse{
		RequestID: created.ID.String(),
		Status:    string(created.Status),
	})
}

// nudgeWorker enqueues a settlement tick when pending depth crosses the
// threshold, so a burst of requests settles before the next timer tick.
func (s *Server) nudgeWorker(r *http.Request) {
	if s.asynq == nil || s.cfg.DepthThreshold <= 0 {
		return
	}
	depth, err := s.service.PendingDepth(r.Context())
	if err != nil || depth < s.cfg.DepthThreshold {
		return
	}
	_, err = s.asynq.Enqueue(
		asynq.NewTask(tasks.TypeSettlementTick, nil),
		asynq.Queue(tasks.QueueName),
	)
	if err != nil {
		s.logger.WithError(err).Warn("failed to enqueue settlement tick task")
	}
}

func (s *Server) requestStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "malformed request id"})
		return
	}

	req, err := s.service.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "unknown request id"})
			return
		}
		s.logger.WithError(err).Error("status lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "missing or malformed " + userIDHeader})
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "malformed request id"})
		return
	}

	cancelled, err := s.service.Cancel(r.Context(), id, userID)
	if err != nil {
		s.logger.WithError(err).Error("cancel failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "walletAddress")

	records, err := s.service.History(r.Context(), wallet)
	if err != nil {
		if errors.Is(err, issuance.ErrInvalidRequest) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
			return
		}
		s.logger.WithError(err).Error("history lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal error"})
		return
	}
	if records == nil {
		records = []types.IssuanceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}
