package core

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

const (
	MaxRecentLimit    = 500
	MaxTopLeadsLimit  = 100
	MaxEngagementDays = 365
)

// ExportColumns is the fixed column order of the CSV export
var ExportColumns = []string{
	"id", "email_id", "lead_id", "lead_name", "subject", "recipient", "opens_count",
	"opened_at", "notified_at", "date_opened", "source", "kind", "notify_status",
}

// Summary is the overall open totals
type Summary struct {
	TotalOpens   int `json:"total_opens"`
	UniqueEmails int `json:"unique_emails"`
	UniqueLeads  int `json:"unique_leads"`
}

// LeadTotal is one row of the top leads ranking
type LeadTotal struct {
	LeadID     string `json:"lead_id"`
	LeadName   string `json:"lead_name"`
	TotalOpens int    `json:"total_opens"`
}

// HourBucket counts opens in one hour of the day
type HourBucket struct {
	Hour        int `json:"hour"`
	OpensCount  int `json:"opens_count"`
	UniqueLeads int `json:"unique_leads"`
}

// WeekdayBucket counts opens on one day of the week, 0 being Monday
type WeekdayBucket struct {
	DayOfWeek   int    `json:"day_of_week"`
	DayName     string `json:"day_name"`
	OpensCount  int    `json:"opens_count"`
	UniqueLeads int    `json:"unique_leads"`
}

// Engagement summarizes a trailing window
type Engagement struct {
	PeriodDays       int     `json:"period_days"`
	TotalOpens       int     `json:"total_opens"`
	UniqueEmails     int     `json:"unique_emails"`
	UniqueLeads      int     `json:"unique_leads"`
	AvgOpensPerEmail float64 `json:"avg_opens_per_email"`
	MaxOpensPerEmail int     `json:"max_opens_per_email"`
}

// Analytics computes read-only views over canonical events
type Analytics struct {
	store    EventStore
	location *time.Location
	now      func() time.Time
}

// NewAnalytics creates the aggregation engine. Hours and weekdays are bucketed in loc.
func NewAnalytics(store EventStore, loc *time.Location) *Analytics {
	if loc == nil {
		loc = time.UTC
	}
	return &Analytics{
		store:    store,
		location: loc,
		now:      time.Now,
	}
}

// Summary returns total opens, unique emails and unique leads
func (a *Analytics) Summary(ctx context.Context) (*Summary, error) {
	events, err := a.list(ctx, EventQuery{})
	if err != nil {
		return nil, err
	}

	emails := make(map[string]struct{})
	leads := make(map[string]struct{})
	for _, e := range events {
		emails[e.EmailID] = struct{}{}
		leads[e.LeadID] = struct{}{}
	}

	return &Summary{
		TotalOpens:   len(events),
		UniqueEmails: len(emails),
		UniqueLeads:  len(leads),
	}, nil
}

// Recent returns the newest events by opened_at
func (a *Analytics) Recent(ctx context.Context, limit int) ([]*EmailOpenEvent, error) {
	if limit < 1 || limit > MaxRecentLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxRecentLimit)
	}
	return a.list(ctx, EventQuery{Limit: limit})
}

// ByDate returns events whose date_opened lies in [start, end]
func (a *Analytics) ByDate(ctx context.Context, start, end string) ([]*EmailOpenEvent, error) {
	startDate, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date must be YYYY-MM-DD", ErrInvalidQuery)
	}
	endDate, err := time.Parse(DateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end_date must be YYYY-MM-DD", ErrInvalidQuery)
	}
	if startDate.After(endDate) {
		return nil, fmt.Errorf("%w: start_date must not be after end_date", ErrInvalidQuery)
	}
	return a.list(ctx, EventQuery{StartDate: start, EndDate: end})
}

// ByLead returns every event for a lead
func (a *Analytics) ByLead(ctx context.Context, leadID string) ([]*EmailOpenEvent, error) {
	if leadID == "" {
		return nil, fmt.Errorf("%w: lead_id is required", ErrInvalidQuery)
	}
	return a.list(ctx, EventQuery{LeadID: leadID})
}

// TopLeads ranks leads by opens, breaking ties by lead id
func (a *Analytics) TopLeads(ctx context.Context, limit int) ([]LeadTotal, error) {
	if limit < 1 || limit > MaxTopLeadsLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxTopLeadsLimit)
	}

	events, err := a.list(ctx, EventQuery{})
	if err != nil {
		return nil, err
	}

	totals := make(map[string]*LeadTotal)
	for _, e := range events {
		t, ok := totals[e.LeadID]
		if !ok {
			// Events arrive newest first, so the first name seen is the latest
			t = &LeadTotal{LeadID: e.LeadID, LeadName: e.LeadName}
			totals[e.LeadID] = t
		}
		if t.LeadName == "" {
			t.LeadName = e.LeadName
		}
		t.TotalOpens++
	}

	ranked := make([]LeadTotal, 0, len(totals))
	for _, t := range totals {
		ranked = append(ranked, *t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TotalOpens != ranked[j].TotalOpens {
			return ranked[i].TotalOpens > ranked[j].TotalOpens
		}
		return ranked[i].LeadID < ranked[j].LeadID
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// TimeOfDay buckets opens by hour, omitting empty hours
func (a *Analytics) TimeOfDay(ctx context.Context) ([]HourBucket, error) {
	events, err := a.list(ctx, EventQuery{})
	if err != nil {
		return nil, err
	}

	var counts [24]int
	var leads [24]map[string]struct{}
	for _, e := range events {
		h := e.OpenedAt.In(a.location).Hour()
		counts[h]++
		if leads[h] == nil {
			leads[h] = make(map[string]struct{})
		}
		leads[h][e.LeadID] = struct{}{}
	}

	buckets := make([]HourBucket, 0, 24)
	for h := 0; h < 24; h++ {
		if counts[h] == 0 {
			continue
		}
		buckets = append(buckets, HourBucket{Hour: h, OpensCount: counts[h], UniqueLeads: len(leads[h])})
	}
	return buckets, nil
}

// DayOfWeek buckets opens by weekday with Monday as 0, omitting empty days
func (a *Analytics) DayOfWeek(ctx context.Context) ([]WeekdayBucket, error) {
	events, err := a.list(ctx, EventQuery{})
	if err != nil {
		return nil, err
	}

	var counts [7]int
	var leads [7]map[string]struct{}
	for _, e := range events {
		d := mondayIndex(e.OpenedAt.In(a.location).Weekday())
		counts[d]++
		if leads[d] == nil {
			leads[d] = make(map[string]struct{})
		}
		leads[d][e.LeadID] = struct{}{}
	}

	buckets := make([]WeekdayBucket, 0, 7)
	for d := 0; d < 7; d++ {
		if counts[d] == 0 {
			continue
		}
		buckets = append(buckets, WeekdayBucket{
			DayOfWeek:   d,
			DayName:     time.Weekday((d + 1) % 7).String(),
			OpensCount:  counts[d],
			UniqueLeads: len(leads[d]),
		})
	}
	return buckets, nil
}

// Engagement reports activity over the trailing number of days
func (a *Analytics) Engagement(ctx context.Context, days int) (*Engagement, error) {
	if days < 1 || days > MaxEngagementDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidQuery, MaxEngagementDays)
	}

	since := a.now().Add(-time.Duration(days) * 24 * time.Hour)
	events, err := a.list(ctx, EventQuery{Since: since})
	if err != nil {
		return nil, err
	}

	perEmail := make(map[string]int)
	leads := make(map[string]struct{})
	for _, e := range events {
		if e.OpensCount > perEmail[e.EmailID] {
			perEmail[e.EmailID] = e.OpensCount
		}
		leads[e.LeadID] = struct{}{}
	}

	result := &Engagement{
		PeriodDays:   days,
		TotalOpens:   len(events),
		UniqueEmails: len(perEmail),
		UniqueLeads:  len(leads),
	}
	if len(perEmail) > 0 {
		total := 0
		for _, n := range perEmail {
			total += n
			if n > result.MaxOpensPerEmail {
				result.MaxOpensPerEmail = n
			}
		}
		result.AvgOpensPerEmail = float64(total) / float64(len(perEmail))
	}
	return result, nil
}

// Export writes the full event log, replays included, as CSV
func (a *Analytics) Export(ctx context.Context, w io.Writer) error {
	events, err := a.list(ctx, EventQuery{IncludeReplays: true})
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, e := range events {
		notifiedAt := ""
		if e.NotifiedAt != nil {
			notifiedAt = e.NotifiedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			e.ID,
			e.EmailID,
			e.LeadID,
			e.LeadName,
			e.Subject,
			e.Recipient,
			strconv.Itoa(e.OpensCount),
			e.OpenedAt.UTC().Format(time.RFC3339),
			notifiedAt,
			e.DateOpened,
			string(e.Source),
			string(e.Kind),
			string(e.NotifyStatus),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (a *Analytics) list(ctx context.Context, q EventQuery) ([]*EmailOpenEvent, error) {
	events, err := a.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return events, nil
}

func mondayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}
