package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/cache"
	"github.com/mikey/email-open-relay/internal/adapters/closeio"
	"github.com/mikey/email-open-relay/internal/adapters/store"
	"github.com/mikey/email-open-relay/internal/core"
)

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	tests []*core.EmailOpenEvent
}

func (n *fakeNotifier) SendTest(ctx context.Context, event *core.EmailOpenEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tests = append(n.tests, event)
	return n.err
}

func (n *fakeNotifier) Stats() core.DispatchStats {
	return core.DispatchStats{Sent: 4, Failed: 1}
}

type recordingSink struct {
	mu     sync.Mutex
	events []*core.EmailOpenEvent
}

func (s *recordingSink) Enqueue(event *core.EmailOpenEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeLeads map[string]string

func (f fakeLeads) ResolveLeadName(ctx context.Context, leadID string) string {
	return f[leadID]
}

// brokenStore fails every call
type brokenStore struct{}

var errDatabaseDown = errors.New("database is down")

func (brokenStore) Append(context.Context, *core.EmailOpenEvent) error { return errDatabaseDown }
func (brokenStore) LatestOpensCount(context.Context, string) (int, bool, error) {
	return 0, false, errDatabaseDown
}
func (brokenStore) MarkNotified(context.Context, string, time.Time) error { return errDatabaseDown }
func (brokenStore) MarkNotifyFailed(context.Context, string, core.NotifyStatus, string) error {
	return errDatabaseDown
}
func (brokenStore) List(context.Context, core.EventQuery) ([]*core.EmailOpenEvent, error) {
	return nil, errDatabaseDown
}
func (brokenStore) Ping(context.Context) error { return errDatabaseDown }

type testEnv struct {
	server   *Server
	sink     *recordingSink
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	st, err := store.New("sqlite3", filepath.Join(t.TempDir(), "events.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return newTestEnvWithStore(t, opts, st)
}

func newTestEnvWithStore(t *testing.T, opts Options, st core.EventStore) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	c := cache.NewMemoryCache(logger, 0)
	t.Cleanup(c.Stop)

	sink := &recordingSink{}
	notifier := &fakeNotifier{}
	reconciler := core.NewReconciler(st, c, sink, logger, core.ReconcilerOptions{
		Retention:     24 * time.Hour,
		RecordReplays: true,
	})

	srv := NewServer(opts, Deps{
		Ingester:  reconciler,
		Analytics: core.NewAnalytics(st, time.UTC),
		Notifier:  notifier,
		Cache:     c,
		Store:     st,
		Leads:     fakeLeads{"lead_1": "Acme Corp"},
	}, logger)

	return &testEnv{server: srv, sink: sink, notifier: notifier}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func webhookBody(emailID, leadID string, opens int) []byte {
	openList := make([]map[string]string, 0, opens)
	for i := 0; i < opens; i++ {
		openList = append(openList, map[string]string{
			"opened_at": fmt.Sprintf("2025-01-15T09:%02d:00.000000+00:00", 30+i),
		})
	}
	body, _ := json.Marshal(map[string]any{
		"subscription_id": "whsub_1",
		"event": map[string]any{
			"id":             "ev_1",
			"object_type":    "activity.email",
			"object_id":      emailID,
			"action":         "updated",
			"lead_id":        leadID,
			"changed_fields": []string{"opens"},
			"data": map[string]any{
				"id":      emailID,
				"lead_id": leadID,
				"subject": "Proposal",
				"to":      []string{"buyer@acme.example"},
				"opens":   openList,
			},
		},
	})
	return body
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_RootAndHealth(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	root := decodeMap(t, rec)
	assert.Equal(t, ServiceName, root["service"])
	assert.Equal(t, "running", root["status"])

	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decodeMap(t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "ok", health["store"])
	assert.Contains(t, health, "cache")
}

func TestServer_HealthReportsStoreOutage(t *testing.T) {
	env := newTestEnvWithStore(t, Options{}, brokenStore{})

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeMap(t, rec)["status"])
}

func TestServer_WebhookDecisions(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "novel", decodeMap(t, rec)["decision"])

	rec = env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "replay", decodeMap(t, rec)["decision"])

	rec = env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 3), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "incremented", body["decision"])
	assert.Equal(t, float64(3), body["opens_count"])

	assert.Equal(t, 2, env.sink.count())

	// Lead name came from the resolver
	rec = env.do(t, http.MethodGet, "/analytics/by-lead/lead_1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "Acme Corp", events[0].LeadName)
	assert.Equal(t, 3, events[0].OpensCount)
	assert.Equal(t, "webhook", events[0].Source)
}

func TestServer_WebhookIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t, Options{})

	body := []byte(`{"subscription_id":"whsub_1","event":{"object_type":"lead","action":"updated","data":{}}}`)
	rec := env.do(t, http.MethodPost, "/webhook/closeio", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeMap(t, rec)["status"])
	assert.Equal(t, 0, env.sink.count())
}

func TestServer_WebhookMalformed(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/webhook/closeio", []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeMap(t, rec), "error")

	// Opens present but no lead anywhere in the envelope
	rec = env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "", 1), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_WebhookSignature(t *testing.T) {
	secret := "6b6579"
	env := newTestEnv(t, Options{WebhookSecret: secret})
	body := webhookBody("acti_1", "lead_1", 1)

	rec := env.do(t, http.MethodPost, "/webhook/closeio", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ts := strconv.FormatInt(time.Now().Unix(), 10)

	bad := http.Header{}
	bad.Set(closeio.TimestampHeader, ts)
	bad.Set(closeio.SignatureHeader, hex.EncodeToString([]byte("nope")))
	rec = env.do(t, http.MethodPost, "/webhook/closeio", body, bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid signature on an old delivery
	stale := http.Header{}
	stale.Set(closeio.TimestampHeader, "1700000000")
	stale.Set(closeio.SignatureHeader, hex.EncodeToString(closeio.Sign(secret, "1700000000", body)))
	rec = env.do(t, http.MethodPost, "/webhook/closeio", body, stale)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good := http.Header{}
	good.Set(closeio.TimestampHeader, ts)
	good.Set(closeio.SignatureHeader, hex.EncodeToString(closeio.Sign(secret, ts, body)))
	rec = env.do(t, http.MethodPost, "/webhook/closeio", body, good)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "novel", decodeMap(t, rec)["decision"])
}

func TestServer_WebhookStorageFailure(t *testing.T) {
	env := newTestEnvWithStore(t, Options{}, brokenStore{})

	rec := env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 1), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), errDatabaseDown.Error())
	assert.Equal(t, 0, env.sink.count())
}

func TestServer_TestNotification(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/test/notification", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.notifier.tests, 1)
	assert.Equal(t, core.SourceTest, env.notifier.tests[0].Source)

	env.notifier.err = errors.New("webhook returned 500")
	rec = env.do(t, http.MethodPost, "/test/notification", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 1), nil)

	rec := env.do(t, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Store    core.Summary       `json:"store"`
		Dispatch core.DispatchStats `json:"dispatch"`
		Cache    cacheStatsResponse `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Store.TotalOpens)
	assert.Equal(t, int64(4), body.Dispatch.Sent)
	assert.Equal(t, 1, body.Cache.Entries)
}

func TestServer_AnalyticsEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 1), nil)
	env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_2", "lead_2", 2), nil)

	rec := env.do(t, http.MethodGet, "/analytics/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary core.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, core.Summary{TotalOpens: 2, UniqueEmails: 2, UniqueLeads: 2}, summary)

	rec = env.do(t, http.MethodGet, "/analytics/recent?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recent []eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, "acti_2", recent[0].EmailID)

	rec = env.do(t, http.MethodGet, "/analytics/by-date?start_date=2025-01-15&end_date=2025-01-15", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byDate []eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byDate))
	assert.Len(t, byDate, 2)

	rec = env.do(t, http.MethodGet, "/analytics/top-leads", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var top []core.LeadTotal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &top))
	assert.Len(t, top, 2)

	for _, path := range []string{"/analytics/time-of-day", "/analytics/day-of-week", "/analytics/engagement"} {
		rec = env.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_AnalyticsInvalidQueries(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []string{
		"/analytics/recent?limit=abc",
		"/analytics/recent?limit=0",
		"/analytics/recent?limit=501",
		"/analytics/by-date",
		"/analytics/by-date?start_date=2025-02-01&end_date=2025-01-01",
		"/analytics/top-leads?limit=-1",
		"/analytics/engagement?days=0",
		"/analytics/engagement?days=x",
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, path, nil, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, decodeMap(t, rec)["error"])
		})
	}
}

func TestServer_Export(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 1), nil)
	env.do(t, http.MethodPost, "/webhook/closeio", webhookBody("acti_1", "lead_1", 1), nil)

	rec := env.do(t, http.MethodGet, "/analytics/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "email_opens.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(core.ExportColumns, ","), lines[0])
}

func TestServer_AnalyticsStorageFailure(t *testing.T) {
	env := newTestEnvWithStore(t, Options{}, brokenStore{})

	for _, path := range []string{"/analytics/summary", "/analytics/export", "/stats"} {
		rec := env.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, Options{})

	h := http.Header{}
	h.Set("Origin", "https://dashboard.example")
	h.Set("Access-Control-Request-Method", http.MethodGet)
	rec := env.do(t, http.MethodOptions, "/analytics/summary", nil, h)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStop(t *testing.T) {
	env := newTestEnv(t, Options{ListenAddress: "127.0.0.1:0"})

	require.NoError(t, env.server.Start())
	assert.Error(t, env.server.Start())
	require.NoError(t, env.server.Stop())
	require.NoError(t, env.server.Stop())
}
