// internal/handlers/rounds.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/ledger"
	"github.com/jason-s-yu/roundhouse/internal/middleware"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/round"
	"github.com/sirupsen/logrus"
)

type betRequest struct {
	Selection string `json:"selection"`
	Amount    int64  `json:"amount"`
}

type advisoryRequest struct {
	Category string `json:"category"`
}

type adjustRequest struct {
	PlayerID uuid.UUID `json:"playerId"`
	Amount   int64     `json:"amount"`
	Memo     string    `json:"memo"`
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Rejections carry the same reason label
// the websocket uses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, round.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, round.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, round.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, round.ErrInvalidSelection), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, round.ErrWagerRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, round.ErrRoundClosed), errors.Is(err, round.ErrConflict),
		errors.Is(err, round.ErrInvalidState), errors.Is(err, round.ErrAlreadySettling):
		status = http.StatusConflict
	}
	body := map[string]string{"error": err.Error()}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	} else {
		body["reason"] = round.RejectReason(err)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func identity(r *http.Request) models.Identity {
	id, _ := middleware.IdentityFrom(r.Context())
	return id
}

func uuidParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

func (s *Server) roundKey(r *http.Request) (models.RoundKey, bool) {
	key := models.RoundKey{Room: chi.URLParam(r, "room"), GameType: chi.URLParam(r, "gameType")}
	return key, s.rooms[key]
}

// getSnapshot returns the latest round of a room with the caller's balance and bets.
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	key, ok := s.roundKey(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown room"})
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), key, identity(r))
	if err != nil {
		s.logger.WithError(err).WithField("key", key.String()).Error("snapshot failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	roundID, ok := uuidParam(r, "id")
	if !ok {
		badRequest(w, "invalid round id")
		return
	}
	var req betRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	p, err := s.engine.PlaceBet(r.Context(), roundID, identity(r), req.Selection, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// getAudit returns a round's audit trail. Players only see their own bets and transactions.
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	roundID, ok := uuidParam(r, "id")
	if !ok {
		badRequest(w, "invalid round id")
		return
	}
	trail, err := s.engine.Audit(r.Context(), roundID)
	if err != nil {
		writeError(w, err)
		return
	}
	if id := identity(r); !id.IsAdmin() {
		bets := trail.Bets[:0]
		for _, b := range trail.Bets {
			if b.PlayerID == id.PlayerID {
				bets = append(bets, b)
			}
		}
		txs := trail.Transactions[:0]
		for _, t := range trail.Transactions {
			if t.PlayerID == id.PlayerID {
				txs = append(txs, t)
			}
		}
		trail.Bets, trail.Transactions = bets, txs
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	playerID, ok := uuidParam(r, "id")
	if !ok {
		badRequest(w, "invalid player id")
		return
	}
	if id := identity(r); !id.IsAdmin() && id.PlayerID != playerID {
		writeError(w, round.ErrForbidden)
		return
	}
	f := models.TxFilter{PlayerID: &playerID, Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(w, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("roundId"); v != "" {
		rid, err := uuid.Parse(v)
		if err != nil {
			badRequest(w, "invalid round id")
			return
		}
		f.RoundID = &rid
	}
	txs, err := s.store.ListTransactions(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) submitAdvisory(w http.ResponseWriter, r *http.Request) {
	roundID, ok := uuidParam(r, "id")
	if !ok {
		badRequest(w, "invalid round id")
		return
	}
	var req advisoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	rd, err := s.engine.SubmitAdvisory(r.Context(), roundID, identity(r), req.Category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// resyncTopic pushes a fresh snapshot to every subscriber of a room.
func (s *Server) resyncTopic(w http.ResponseWriter, r *http.Request) {
	key, ok := s.roundKey(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown room"})
		return
	}
	n := s.engine.Hub().Resync(broadcast.RoomTopic(key))
	s.logger.WithFields(logrus.Fields{
		"key":         key.String(),
		"subscribers": n,
		"admin_id":    identity(r).PlayerID,
	}).Info("forced resync")
	writeJSON(w, http.StatusOK, map[string]int{"subscribers": n})
}

func (s *Server) runReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reconciler not running in this process"})
		return
	}
	report, err := s.reconciler.RunOnce(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("on-demand reconciliation finished with errors")
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// adjustWallet is the entry point for the wallet/payment collaborator.
func (s *Server) adjustWallet(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == uuid.Nil {
		badRequest(w, "invalid request body")
		return
	}
	balance, err := s.engine.AdjustWallet(r.Context(), req.PlayerID, req.Amount, req.Memo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playerId": req.PlayerID, "balance": balance})
}
