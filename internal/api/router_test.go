package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/exposcan/internal/api/handler"
	"github.com/timmy/exposcan/internal/api/middleware"
	"github.com/timmy/exposcan/internal/credits"
	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/ingest"
	"github.com/timmy/exposcan/internal/normalize"
	"github.com/timmy/exposcan/internal/progress"
	"github.com/timmy/exposcan/internal/provider"
	"github.com/timmy/exposcan/internal/retry"
	"github.com/timmy/exposcan/internal/scan"
	"github.com/timmy/exposcan/internal/storage"
)

type staticAdapter struct {
	id domain.ProviderID
}

func (a staticAdapter) ID() domain.ProviderID { return a.id }

func (a staticAdapter) Invoke(_ context.Context, target domain.Target) (*provider.Result, error) {
	return &provider.Result{Profiles: []provider.ProfileRecord{{Site: "GitHub", Username: target.Value, Match: provider.MatchExact}}}, nil
}

type testServer struct {
	router     *gin.Engine
	controller *scan.Controller
	ledger     *credits.Ledger
}

type serverOptions struct {
	reports    handler.ReportSource
	workspaces *handler.WorkspaceHandler
	store      scan.Store
}

func newTestServer(t *testing.T, opts ...serverOptions) *testServer {
	t.Helper()
	var o serverOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	gin.SetMode(gin.TestMode)

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.Spec{ID: "social", Cost: 2, MinTier: domain.TierFree,
		TargetTypes: []domain.TargetType{domain.TargetUsername, domain.TargetEmail}, Enabled: true}, staticAdapter{id: "social"}))
	require.NoError(t, registry.Register(provider.Spec{ID: "darkweb", Cost: 1, MinTier: domain.TierPremium,
		TargetTypes: []domain.TargetType{domain.TargetEmail}, Enabled: true}, staticAdapter{id: "darkweb"}))

	ledger := credits.NewLedger(credits.NewMemoryStore(), registry, credits.StaticTiers{Default: domain.TierFree})
	publisher := progress.NewPublisher(progress.Options{})
	var scanOpts []scan.Option
	if o.store != nil {
		scanOpts = append(scanOpts, scan.WithStore(o.store))
	}
	controller := scan.NewController(scan.Config{
		WorkersPerJob:     2,
		GlobalConcurrency: 4,
		TaskTimeout:       time.Second,
		Retry:             retry.Policy{MaxAttempts: 1},
	}, registry, ledger, normalize.NewNormalizer(normalize.DefaultScoring()), publisher, scanOpts...)
	pipeline := ingest.NewPipeline(nil, 2)

	router := SetupRouter(Handlers{
		Health:     handler.NewHealthHandler(nil),
		Scans:      handler.NewScanHandler(controller, pipeline, publisher, o.reports, 100),
		Credits:    handler.NewCreditsHandler(ledger),
		Providers:  handler.NewProvidersHandler(registry),
		Workspaces: o.workspaces,
	}, "test", middleware.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})

	return &testServer{router: router, controller: controller, ledger: ledger}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) grant(t *testing.T, amount int64) {
	t.Helper()
	_, err := s.ledger.Grant(context.Background(), "ws", amount, "test", "")
	require.NoError(t, err)
}

func (s *testServer) wait(t *testing.T, jobID string) *scan.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := s.controller.Wait(ctx, jobID)
	require.NoError(t, err)
	return rep
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestCreateScan_RunsToCompletion(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, 10)

	w := s.do(t, http.MethodPost, "/api/v1/scans", gin.H{
		"workspace_id": "ws",
		"targets":      []gin.H{{"type": "username", "value": "alice"}},
		"providers":    []string{"social"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[handler.CreateScanResponse](t, w)
	assert.Equal(t, int64(2), resp.CreditsReserved)
	assert.Equal(t, "/api/v1/scans/"+resp.JobID, w.Header().Get("Location"))

	s.wait(t, resp.JobID)
	w = s.do(t, http.MethodGet, "/api/v1/scans/"+resp.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[scan.Report](t, w)
	assert.Equal(t, domain.JobCompleted, rep.Job.State)
	assert.Len(t, rep.Findings, 1)

	w = s.do(t, http.MethodPost, "/api/v1/scans/"+resp.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateScan_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, 1)

	tests := []struct {
		name       string
		body       gin.H
		wantStatus int
		wantReason string
	}{
		{
			name:       "malformed",
			body:       gin.H{"workspace_id": "ws"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid target",
			body:       gin.H{"workspace_id": "ws", "targets": []gin.H{{"type": "email", "value": "not-an-email"}}, "providers": []string{"social"}},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "insufficient credits",
			body:       gin.H{"workspace_id": "ws", "targets": []gin.H{{"type": "username", "value": "alice"}}, "providers": []string{"social"}},
			wantStatus: http.StatusPaymentRequired,
			wantReason: string(credits.ReasonInsufficientCredits),
		},
		{
			name:       "tier not allowed",
			body:       gin.H{"workspace_id": "ws", "targets": []gin.H{{"type": "email", "value": "a@example.com"}}, "providers": []string{"darkweb"}},
			wantStatus: http.StatusForbidden,
			wantReason: string(credits.ReasonTierNotAllowed),
		},
		{
			name:       "unknown provider",
			body:       gin.H{"workspace_id": "ws", "targets": []gin.H{{"type": "username", "value": "alice"}}, "providers": []string{"nope"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: string(credits.ReasonUnknownProvider),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/scans", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, decode[handler.ErrorResponse](t, w).Reason)
			}
		})
	}

	balance, err := s.ledger.Balance(context.Background(), "ws")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestGetScan_NotFound(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/scans/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/scans/missing/events", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/scans/missing/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/workspaces/ws/scans/missing/report", nil).Code)
}

func TestCreateBatch(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, 100)

	w := s.do(t, http.MethodPost, "/api/v1/batches", gin.H{
		"workspace_id": "ws",
		"target_type":  "email",
		"rows":         "email\nalice@example.com\nbad\nbob@example.com\nALICE@example.com\n",
		"providers":    []string{"social"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[handler.CreateScanResponse](t, w)
	assert.Equal(t, 2, resp.Accepted)
	assert.Len(t, resp.Rejected, 2)
	assert.Equal(t, int64(4), resp.CreditsReserved)

	rep := s.wait(t, resp.JobID)
	assert.Len(t, rep.Job.RequestedTargets, 2)

	w = s.do(t, http.MethodPost, "/api/v1/batches", gin.H{
		"workspace_id": "ws",
		"target_type":  "email",
		"rows":         "nope\nstill nope\n",
		"providers":    []string{"social"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/batches", gin.H{
		"workspace_id": "ws",
		"target_type":  "fax",
		"rows":         "1",
		"providers":    []string{"social"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamEvents_ReplaysFinishedJob(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, 10)

	w := s.do(t, http.MethodPost, "/api/v1/scans", gin.H{
		"workspace_id": "ws",
		"targets":      []gin.H{{"type": "username", "value": "alice"}},
		"providers":    []string{"social"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode[handler.CreateScanResponse](t, w).JobID
	s.wait(t, jobID)

	w = s.do(t, http.MethodGet, "/api/v1/scans/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event:task")
	assert.Contains(t, body, "id:1\n")
	last := strings.LastIndex(body, "event:job")
	require.GreaterOrEqual(t, last, 0)
	assert.Contains(t, body[last:], `"terminal":true`)
	assert.Greater(t, last, strings.LastIndex(body, "event:task"))
}

// storedJobs serves jobs persisted by an earlier process.
type storedJobs map[string]domain.ScanJob

func (m storedJobs) CreateJob(context.Context, *domain.ScanJob, []domain.ProviderTask) error {
	return nil
}

func (m storedJobs) UpdateJob(context.Context, *domain.ScanJob) error { return nil }

func (m storedJobs) UpdateTask(context.Context, *domain.ProviderTask) error { return nil }

func (m storedJobs) SaveFindings(context.Context, string, []domain.Finding) error { return nil }

func (m storedJobs) LoadJob(_ context.Context, jobID string) (*domain.ScanJob, []domain.ProviderTask, []domain.Finding, error) {
	job, ok := m[jobID]
	if !ok {
		return nil, nil, nil, scan.ErrJobNotFound
	}
	return &job, nil, nil, nil
}

func TestStreamEvents_StoredJobWithoutHistory(t *testing.T) {
	s := newTestServer(t, serverOptions{store: storedJobs{
		"old": {ID: "old", WorkspaceID: "ws", State: domain.JobCompleted, UpdatedAt: time.Unix(1700000000, 0).UTC()},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/old/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.NoError(t, ctx.Err(), "event stream for a stored job did not end")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event:"))
	assert.Contains(t, body, "event:job")
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, `"terminal":true`)
	assert.Contains(t, body, `"job_id":"old"`)
}

func TestCredits_GrantAndBalance(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/workspaces/ws/credits", gin.H{"amount": 25, "reason": "top-up", "idempotency_key": "inv-1"})
	assert.Equal(t, http.StatusCreated, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/workspaces/ws/credits", gin.H{"amount": 25, "reason": "top-up", "idempotency_key": "inv-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/workspaces/ws/credits", gin.H{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/workspaces/ws/credits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[handler.BalanceResponse](t, w)
	assert.Equal(t, int64(25), resp.Balance)
	assert.Len(t, resp.Entries, 1)
}

func TestListProviders(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/providers?target_type=username", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Providers []struct {
			ID        string `json:"id"`
			Available bool   `json:"available"`
		} `json:"providers"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "social", body.Providers[0].ID)
	assert.True(t, body.Providers[0].Available)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scans", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

type memTiers map[string]domain.Tier

func (m memTiers) Tier(_ context.Context, ws string) (domain.Tier, error) {
	if t, ok := m[ws]; ok {
		return t, nil
	}
	return domain.TierFree, nil
}

func (m memTiers) SetTier(_ context.Context, ws string, tier domain.Tier) error {
	m[ws] = tier
	return nil
}

type memHistory struct {
	jobs []domain.ScanJob
}

func (m memHistory) ListJobs(_ context.Context, ws string, limit int) ([]domain.ScanJob, error) {
	var out []domain.ScanJob
	for _, j := range m.jobs {
		if j.WorkspaceID == ws && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m memHistory) CountByState(context.Context) (map[domain.JobState]int64, error) {
	counts := map[domain.JobState]int64{}
	for _, j := range m.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func TestWorkspaces_TierAndHistory(t *testing.T) {
	tiers := memTiers{}
	history := memHistory{jobs: []domain.ScanJob{
		{ID: "j1", WorkspaceID: "ws", State: domain.JobCompleted},
		{ID: "j2", WorkspaceID: "ws", State: domain.JobFailed},
		{ID: "j3", WorkspaceID: "other", State: domain.JobCompleted},
	}}
	s := newTestServer(t, serverOptions{workspaces: handler.NewWorkspaceHandler(tiers, history)})

	w := s.do(t, http.MethodPut, "/api/v1/workspaces/ws/tier", map[string]string{"tier": "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/workspaces/ws/tier", map[string]string{"tier": "premium"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.TierPremium, tiers["ws"])

	w = s.do(t, http.MethodGet, "/api/v1/workspaces/ws/tier", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "premium", decode[map[string]string](t, w)["tier"])

	w = s.do(t, http.MethodGet, "/api/v1/workspaces/ws/scans?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Jobs  []domain.ScanJob `json:"jobs"`
		Total int              `json:"total"`
	}](t, w)
	assert.Equal(t, 2, list.Total)

	w = s.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[struct {
		ByState map[string]int64 `json:"jobs_by_state"`
		Total   int64            `json:"total_jobs"`
	}](t, w)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByState["completed"])
}

func TestWorkspaces_NotMountedInMemory(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type memReports struct {
	bodies map[string][]byte
}

func (m *memReports) Fetch(_ context.Context, ws, job string) ([]byte, error) {
	b, ok := m.bodies[ws+"/"+job]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return b, nil
}

func (m *memReports) URL(ws, job string) string {
	return "https://cdn.example.com/reports/" + ws + "/" + job + ".json"
}

func (m *memReports) Purge(_ context.Context, ws, job string) error {
	delete(m.bodies, ws+"/"+job)
	return nil
}

func TestReports_FetchAndPurge(t *testing.T) {
	reports := &memReports{bodies: map[string][]byte{"ws/j1": []byte(`{"zero_result":false}`)}}
	s := newTestServer(t, serverOptions{reports: reports})

	w := s.do(t, http.MethodGet, "/api/v1/workspaces/ws/scans/j1/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"zero_result":false}`, w.Body.String())
	assert.Equal(t, "https://cdn.example.com/reports/ws/j1.json", w.Header().Get("Content-Location"))

	w = s.do(t, http.MethodDelete, "/api/v1/workspaces/ws/scans/j1/report", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/workspaces/ws/scans/j1/report", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
