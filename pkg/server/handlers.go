package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/drip/pkg/distributor"
	"github.com/malbeclabs/drip/pkg/schedule"
)

type depositRequest struct {
	Depositor     string `json:"depositor"`
	Receiver      string `json:"receiver"`
	Asset         string `json:"asset"`
	Amount        uint64 `json:"amount"`
	ActivationKey uint64 `json:"activation_key"`
}

type drainResponse struct {
	Amount uint64 `json:"amount"`
}

type pendingResponse struct {
	Receiver string `json:"receiver"`
	Asset    string `json:"asset"`
	Through  uint64 `json:"through"`
	Pending  uint64 `json:"pending"`
}

type nodeResponse struct {
	ActivationKey uint64 `json:"activation_key"`
	Amount        uint64 `json:"amount"`
	Next          uint64 `json:"next"`
}

type recoverRequest struct {
	Recipient string `json:"recipient"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Depositor == "" || req.Receiver == "" || req.Asset == "" {
		s.writeError(w, http.StatusBadRequest, "depositor, receiver and asset are required")
		return
	}

	err := s.cfg.Distributor.Deposit(r.Context(), req.Depositor, req.Receiver, req.Asset, req.Amount, schedule.Key(req.ActivationKey))
	if err != nil {
		s.writeDistributorError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	receiver := chi.URLParam(r, "receiver")
	asset := chi.URLParam(r, "asset")

	var through schedule.Key
	if raw := r.URL.Query().Get("through"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid through parameter")
			return
		}
		through = schedule.Key(v)
	}

	total, err := s.cfg.Distributor.Pending(r.Context(), receiver, asset, through)
	if err != nil {
		s.writeDistributorError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pendingResponse{
		Receiver: receiver,
		Asset:    asset,
		Through:  uint64(through),
		Pending:  total,
	})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	receiver := chi.URLParam(r, "receiver")
	asset := chi.URLParam(r, "asset")
	rawKey := chi.URLParam(r, "key")

	key, err := strconv.ParseUint(rawKey, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid activation key")
		return
	}

	node, err := s.cfg.Distributor.NodeAt(r.Context(), receiver, asset, schedule.Key(key))
	if err != nil {
		s.writeDistributorError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodeResponse{
		ActivationKey: key,
		Amount:        node.Amount,
		Next:          uint64(node.Next),
	})
}

func (s *Server) handleDrainReceiver(w http.ResponseWriter, r *http.Request) {
	receiver := chi.URLParam(r, "receiver")

	total, err := s.cfg.Distributor.DrainDue(r.Context(), receiver)
	if err != nil {
		s.writeDistributorError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drainResponse{Amount: total})
}

func (s *Server) handleDrainAsset(w http.ResponseWriter, r *http.Request) {
	receiver := chi.URLParam(r, "receiver")
	asset := chi.URLParam(r, "asset")

	total, err := s.cfg.Distributor.DrainDueForAsset(r.Context(), receiver, asset)
	if err != nil {
		s.writeDistributorError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drainResponse{Amount: total})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	receiver := chi.URLParam(r, "receiver")
	asset := chi.URLParam(r, "asset")

	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Recipient == "" {
		s.writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	total, err := s.cfg.Distributor.RecoverAll(r.Context(), bearerToken(r), receiver, asset, req.Recipient)
	if err != nil {
		s.writeDistributorError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drainResponse{Amount: total})
}

// bearerToken extracts the token from an Authorization: Bearer header, or
// returns empty when absent.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func (s *Server) writeDistributorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalidAmount), errors.Is(err, schedule.ErrInvalidActivationKey):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, distributor.ErrUnrecognizedTarget):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, distributor.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
