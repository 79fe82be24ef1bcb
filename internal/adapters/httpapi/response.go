package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
)

// eventResponse is the wire form of a stored event
type eventResponse struct {
	ID           string     `json:"id"`
	EmailID      string     `json:"email_id"`
	LeadID       string     `json:"lead_id"`
	LeadName     string     `json:"lead_name"`
	Subject      string     `json:"subject"`
	Recipient    string     `json:"recipient"`
	OpensCount   int        `json:"opens_count"`
	OpenedAt     time.Time  `json:"opened_at"`
	NotifiedAt   *time.Time `json:"notified_at"`
	DateOpened   string     `json:"date_opened"`
	Source       string     `json:"source"`
	Kind         string     `json:"kind"`
	NotifyStatus string     `json:"notify_status"`
}

type cacheStatsResponse struct {
	Entries     int        `json:"entries"`
	OldestEntry *time.Time `json:"oldest_entry"`
}

func toEventResponses(events []*core.EmailOpenEvent) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:           e.ID,
			EmailID:      e.EmailID,
			LeadID:       e.LeadID,
			LeadName:     e.LeadName,
			Subject:      e.Subject,
			Recipient:    e.Recipient,
			OpensCount:   e.OpensCount,
			OpenedAt:     e.OpenedAt,
			NotifiedAt:   e.NotifiedAt,
			DateOpened:   e.DateOpened,
			Source:       string(e.Source),
			Kind:         string(e.Kind),
			NotifyStatus: string(e.NotifyStatus),
		})
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondCoreError maps core sentinel errors to status codes. Storage details stay in the log.
func (s *Server) respondCoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidQuery), errors.Is(err, core.ErrMalformedNotice):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
