package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"proven/approval"
	"proven/escrow"
	"proven/finalize"
	"proven/models"
	"proven/payout"
	"proven/settlement"
)

// audit records an operator mutation. Audit failures are logged and never
// block the mutation they describe.
func (s *Server) audit(r *http.Request, action, targetID, details string) {
	entry := models.AuditLog{
		ID:        uuid.New(),
		ActorID:   actorID(r),
		Action:    action,
		TargetID:  targetID,
		Details:   details,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(r.Context()).Create(&entry).Error; err != nil {
		slog.Error("write audit log",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

// mapError translates domain sentinels into stable HTTP codes.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrSubmissionNotFound),
		errors.Is(err, payout.ErrJobNotFound),
		errors.Is(err, settlement.ErrChallengeNotFound),
		errors.Is(err, finalize.ErrChallengeNotFound),
		errors.Is(err, escrow.ErrChallengeNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, approval.ErrAlreadyReviewed):
		s.writeError(w, http.StatusBadRequest, "ALREADY_REVIEWED", err.Error())
	case errors.Is(err, approval.ErrDuplicateDay):
		s.writeError(w, http.StatusBadRequest, "DUPLICATE_DAY", err.Error())
	case errors.Is(err, finalize.ErrAlreadyFinalized),
		errors.Is(err, settlement.ErrChallengeFinalized),
		errors.Is(err, payout.ErrChallengeFinalized):
		s.writeError(w, http.StatusBadRequest, "ALREADY_FINALIZED", err.Error())
	case errors.Is(err, finalize.ErrNotActive):
		s.writeError(w, http.StatusBadRequest, "NOT_ACTIVE", err.Error())
	case errors.Is(err, settlement.ErrDayOutOfRange):
		s.writeError(w, http.StatusBadRequest, "DAY_OUT_OF_RANGE", err.Error())
	case errors.Is(err, escrow.ErrKeyUnavailable):
		s.writeError(w, http.StatusInternalServerError, "ESCROW_KEY_UNAVAILABLE", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return parsed, nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	submissionID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	result, err := s.approval.Approve(r.Context(), submissionID, actorUUID(r))
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "proof.approve", submissionID.String(),
		fmt.Sprintf("progress=%.1f payout=%s", result.NewProgress, result.Payout.Status))
	s.writeData(w, http.StatusOK, "submission approved", result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	submissionID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	var req struct {
		Reason   string `json:"reason"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "reason is required")
		return
	}
	rejected, err := s.approval.Reject(r.Context(), submissionID, actorUUID(r), req.Reason, req.Category)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "proof.reject", submissionID.String(), rejected.ReviewComments)
	s.writeData(w, http.StatusOK, "submission rejected", map[string]any{"status": rejected.Status})
}

func (s *Server) handleSettlementRun(w http.ResponseWriter, r *http.Request) {
	settled, err := s.engine.SettleYesterdayAll(r.Context())
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "settlement.run", "", fmt.Sprintf("challenges=%d", settled))
	s.writeData(w, http.StatusOK, "settlement sweep finished", map[string]int{"settled": settled})
}

func (s *Server) handleSettleDay(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathUUID(r, "challengeID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	dayDate := chi.URLParam(r, "dayDate")
	result, err := s.engine.SettleDay(r.Context(), challengeID, dayDate)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "settlement.day", challengeID.String(), "day="+dayDate)
	s.writeData(w, http.StatusOK, "day settled", result)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathUUID(r, "challengeID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	var settlements []models.DailySettlement
	if err := s.db.WithContext(r.Context()).
		Where("challenge_id = ?", challengeID).
		Order("day_date ASC").
		Find(&settlements).Error; err != nil {
		s.mapError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, "", settlements)
}

func (s *Server) handlePayoutStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.mapError(w, err)
		return
	}
	recent, err := s.queue.Recent(r.Context(), 20)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, "", map[string]any{"stats": stats, "recent": recent})
}

func (s *Server) handlePayoutsFailed(w http.ResponseWriter, r *http.Request) {
	var scope *uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("challengeId")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid challengeId")
			return
		}
		scope = &parsed
	}
	jobs, err := s.queue.ListFailed(r.Context(), scope)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, "", jobs)
}

func (s *Server) handlePayoutRetry(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	var req struct {
		WalletAddress string `json:"walletAddress"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
			return
		}
	}
	if err := s.queue.Retry(r.Context(), jobID, strings.TrimSpace(req.WalletAddress)); err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "payout.retry", jobID.String(), "")
	s.writeData(w, http.StatusOK, "job requeued", map[string]bool{"success": true})
}

func (s *Server) handlePayoutRetryAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string `json:"challengeId"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
			return
		}
	}
	var scope *uuid.UUID
	if raw := strings.TrimSpace(req.ChallengeID); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid challengeId")
			return
		}
		scope = &parsed
	}
	retried, err := s.queue.RetryAllFailed(r.Context(), scope)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "payout.retry_all", "", fmt.Sprintf("retried=%d", retried))
	s.writeData(w, http.StatusOK, "failed jobs requeued", map[string]int{"retried": retried})
}

func (s *Server) handleChallengeClose(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	result, err := s.finalizer.Close(r.Context(), challengeID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "challenge.close", challengeID.String(),
		fmt.Sprintf("participants=%d dust_swept=%t", len(result.StatusResults), result.DustSweep.Swept))
	s.writeData(w, http.StatusOK, "challenge closed", result)
}

func (s *Server) handleChallengePause(w http.ResponseWriter, r *http.Request) {
	s.toggleChallenge(w, r, "challenge.pause", s.finalizer.Pause)
}

func (s *Server) handleChallengeResume(w http.ResponseWriter, r *http.Request) {
	s.toggleChallenge(w, r, "challenge.resume", s.finalizer.Resume)
}

func (s *Server) handleChallengeEndEarly(w http.ResponseWriter, r *http.Request) {
	s.toggleChallenge(w, r, "challenge.end_early", s.finalizer.EndEarly)
}

func (s *Server) toggleChallenge(w http.ResponseWriter, r *http.Request, action string, op func(ctx context.Context, id uuid.UUID) error) {
	challengeID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	if err := op(r.Context(), challengeID); err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, action, challengeID.String(), "")
	s.writeData(w, http.StatusOK, "ok", map[string]bool{"success": true})
}

func (s *Server) handleChallengeEscrow(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	address, err := s.escrow.Create(r.Context(), challengeID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.audit(r, "challenge.escrow", challengeID.String(), "address="+address)
	s.writeData(w, http.StatusOK, "escrow wallet ready", map[string]string{"escrowAddress": address})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			s.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be in [1, 500]")
			return
		}
		limit = parsed
	}
	var entries []models.AuditLog
	if err := s.db.WithContext(r.Context()).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		s.mapError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, "", entries)
}
