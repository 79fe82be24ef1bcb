package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/closeio"
	"github.com/mikey/email-open-relay/internal/core"
)

const maxWebhookBody = 1 << 20

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service": ServiceName,
		"status":  "running",
		"uptime":  s.now().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
	}

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("Store health check failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		resp["status"] = "unhealthy"
		resp["store"] = "unreachable"
	} else {
		resp["store"] = "ok"
	}

	if stats, err := s.deps.Cache.Stats(r.Context()); err != nil {
		s.logger.Warn("Cache stats unavailable", zap.Error(err))
		resp["cache"] = "unavailable"
	} else {
		resp["cache"] = cacheStatsResponse{Entries: stats.Entries, OldestEntry: stats.OldestEntry}
	}

	respondJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Analytics.Summary(r.Context())
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}

	resp := map[string]any{
		"store":    summary,
		"dispatch": s.deps.Notifier.Stats(),
	}
	if stats, err := s.deps.Cache.Stats(r.Context()); err != nil {
		s.logger.Warn("Cache stats unavailable", zap.Error(err))
		resp["cache"] = nil
	} else {
		resp["cache"] = cacheStatsResponse{Entries: stats.Entries, OldestEntry: stats.OldestEntry}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.opts.WebhookSecret != "" {
		if err := closeio.VerifySignature(s.opts.WebhookSecret, r.Header, body, time.Now()); err != nil {
			s.logger.Warn("Rejected webhook delivery", zap.Error(err))
			respondError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	notice, ok, err := closeio.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("Malformed webhook delivery", zap.Error(err))
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if notice.LeadName == "" && s.deps.Leads != nil {
		notice.LeadName = s.deps.Leads.ResolveLeadName(r.Context(), notice.LeadID)
	}

	decision, err := s.deps.Ingester.Ingest(r.Context(), notice)
	if err != nil {
		if errors.Is(err, core.ErrMalformedNotice) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to ingest webhook notice",
			zap.Error(err),
			zap.String("email_id", notice.EmailID))
		respondError(w, http.StatusInternalServerError, "failed to record email open")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "processed",
		"decision":    string(decision.Kind),
		"email_id":    notice.EmailID,
		"opens_count": notice.OpensCount,
	})
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	event := &core.EmailOpenEvent{
		ID:           uuid.NewString(),
		EmailID:      "test_email",
		LeadID:       "test_lead",
		LeadName:     "Test Lead",
		Subject:      "Test notification from " + ServiceName,
		Recipient:    "test@example.com",
		OpensCount:   1,
		OpenedAt:     now,
		DateOpened:   now.Format(core.DateLayout),
		Source:       core.SourceTest,
		Kind:         core.KindNovel,
		NotifyStatus: core.NotifyPending,
		CreatedAt:    now,
	}

	if err := s.deps.Notifier.SendTest(r.Context(), event); err != nil {
		s.logger.Warn("Test notification failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "failed to send test notification")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Analytics.Summary(r.Context())
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}

	events, err := s.deps.Analytics.Recent(r.Context(), limit)
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toEventResponses(events))
}

func (s *Server) handleByDate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.deps.Analytics.ByDate(r.Context(), q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toEventResponses(events))
}

func (s *Server) handleByLead(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Analytics.ByLead(r.Context(), chi.URLParam(r, "lead_id"))
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toEventResponses(events))
}

func (s *Server) handleTopLeads(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}

	leads, err := s.deps.Analytics.TopLeads(r.Context(), limit)
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, leads)
}

func (s *Server) handleTimeOfDay(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.deps.Analytics.TimeOfDay(r.Context())
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleDayOfWeek(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.deps.Analytics.DayOfWeek(r.Context())
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 30)
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}

	engagement, err := s.deps.Analytics.Engagement(r.Context(), days)
	if err != nil {
		s.respondCoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, engagement)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	// Buffered so a storage failure never leaves a partial CSV behind a 200
	var buf bytes.Buffer
	if err := s.deps.Analytics.Export(r.Context(), &buf); err != nil {
		s.respondCoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="email_opens.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", core.ErrInvalidQuery, name)
	}
	return v, nil
}
