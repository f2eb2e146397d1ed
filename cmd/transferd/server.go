// server.go - HTTP intake API
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/zkledger/transferproof/internal/accounts"
	"github.com/zkledger/transferproof/internal/admission"
	"github.com/zkledger/transferproof/internal/service"
	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
)

const maxBatchBody = 4 << 20

// Batches is the part of the coordinator the intake API drives.
type Batches interface {
	Enqueue(requests []types.TransferRequest) (types.BatchID, error)
	Status(id types.BatchID) (store.StatusRecord, error)
}

// Server exposes batch intake, batch status, balances and health. Batches is
// nil on a ledger-only node, which then answers the batch routes with 503.
type Server struct {
	batches  Batches
	balances accounts.BalanceLookup
	health   *HealthChecker
	logger   zerolog.Logger
}

func NewServer(batches Batches, balances accounts.BalanceLookup, health *HealthChecker, logger zerolog.Logger) *Server {
	return &Server{
		batches:  batches,
		balances: balances,
		health:   health,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/batches", s.submitBatch)
	mux.HandleFunc("GET /v1/batches/{id}", s.batchStatus)
	mux.HandleFunc("GET /v1/balances/{account}", s.balance)
	mux.HandleFunc("GET /v1/health", s.healthz)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type batchAccepted struct {
	ID types.BatchID `json:"id"`
}

type batchStatus struct {
	ID        types.BatchID    `json:"id"`
	State     types.BatchState `json:"state"`
	Transfers int              `json:"transfers"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type balanceResponse struct {
	Account types.Account `json:"account"`
	Balance string        `json:"balance"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", errors.New("this node does not accept batches"))
		return
	}

	var requests []types.TransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&requests); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	id, err := s.batches.Enqueue(requests)
	switch {
	case err == nil:
		s.logger.Info().Str("batch", id.String()).Int("transfers", len(requests)).Msg("batch accepted")
		writeJSON(w, http.StatusAccepted, batchAccepted{ID: id})
	case errors.Is(err, admission.ErrRejected):
		writeError(w, http.StatusBadRequest, admission.Reason(err), err)
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err)
	case errors.Is(err, service.ErrDuplicateBatch):
		writeError(w, http.StatusConflict, "duplicate", err)
	case errors.Is(err, service.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", err)
	default:
		s.logger.Error().Err(err).Msg("failed to enqueue batch")
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", errors.New("this node does not accept batches"))
		return
	}
	id, err := types.ParseBatchID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	rec, err := s.batches.Status(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, batchStatus{
			ID:        id,
			State:     rec.State,
			Transfers: rec.Transfers,
			Error:     rec.Error,
			UpdatedAt: rec.UpdatedAt,
		})
	case errors.Is(err, service.ErrUnknownBatch):
		writeError(w, http.StatusNotFound, "not_found", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	account, err := types.ParseAccount(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	balance, err := s.balances.Balance(r.Context(), account)
	if err != nil {
		s.logger.Error().Err(err).Str("account", account.String()).Msg("balance lookup failed")
		writeError(w, http.StatusBadGateway, "ledger_unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: account, Balance: balance.String()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	health := s.health.CheckHealth(r.Context())
	status := http.StatusOK
	if health.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, CreateHealthResponse(health))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
