package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/cachestore"
	"github.com/medlink/medsync/connectivity"
	"github.com/medlink/medsync/orchestrator"
)

type fakePrimary struct {
	mu        sync.Mutex
	calls     map[string]int
	approvals []medsync.ApprovalStatus
	approvErr error
}

func (f *fakePrimary) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

func (f *fakePrimary) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakePrimary) Reports(context.Context) (medsync.ReportList, error) {
	f.count("reports")
	return medsync.ReportList{
		UserID:      "U1",
		Web2Reports: []medsync.Report{{ID: "R1", Title: "Blood panel", Storage: medsync.StorageWeb2}},
	}, nil
}

func (f *fakePrimary) Report(_ context.Context, id string) (medsync.ReportDetail, error) {
	f.count("report")
	return medsync.ReportDetail{Report: medsync.Report{ID: id, Title: "Blood panel", Storage: medsync.StorageWeb2}}, nil
}

func (f *fakePrimary) Summary(context.Context, string) ([]medsync.MedicationSummary, error) {
	f.count("summary")
	return []medsync.MedicationSummary{{MedicineName: "Paracetamol"}}, nil
}

func (f *fakePrimary) CheckApproval(context.Context, string) (medsync.ApprovalStatus, error) {
	f.count("approval")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approvErr != nil {
		return medsync.ApprovalStatus{}, f.approvErr
	}
	if len(f.approvals) == 0 {
		return medsync.ApprovalStatus{State: medsync.ApprovalPending}, nil
	}
	st := f.approvals[0]
	if len(f.approvals) > 1 {
		f.approvals = f.approvals[1:]
	}
	return st, nil
}

type harness struct {
	srv     *Server
	primary *fakePrimary
	manual  *connectivity.Manual
	store   cachestore.Store
}

func newHarness(t *testing.T, online bool, withManual bool) *harness {
	t.Helper()

	store, err := cachestore.OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.DiscardHandler)
	manual := connectivity.NewManual(online)
	primary := &fakePrimary{}
	syncer, err := orchestrator.New(orchestrator.Config{
		Store:            store,
		Monitor:          manual,
		Primary:          primary,
		ApprovalInterval: 10 * time.Millisecond,
		Logger:           logger,
	})
	require.NoError(t, err)

	cfg := Config{Synchronizer: syncer, Logger: logger}
	if withManual {
		cfg.Manual = manual
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &harness{srv: srv, primary: primary, manual: manual, store: store}
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestNew_RequiresSynchronizer(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, true, false)
	rec, body := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t, true, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestReports_FirstRequestWaitsForSync(t *testing.T) {
	h := newHarness(t, true, false)

	rec, body := h.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "SERVING_FRESH", body["phase"])
	require.Equal(t, "NETWORK", body["source"])
	require.Equal(t, "reports_me", body["cache_key"])

	data := body["data"].(map[string]any)
	require.NotNil(t, data)
	require.Equal(t, 1, h.primary.Calls("reports"))

	// The view stays mounted; a second read is served from its state.
	rec, body = h.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "SERVING_FRESH", body["phase"])
	require.Equal(t, 1, h.primary.Calls("reports"))
}

func TestReports_OfflineWithoutCache(t *testing.T) {
	h := newHarness(t, false, false)

	rec, body := h.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ERROR", body["phase"])
	require.Equal(t, true, body["is_offline"])
	errInfo := body["error"].(map[string]any)
	require.Equal(t, "NO_CACHE_AVAILABLE", errInfo["code"])
	require.Zero(t, h.primary.Calls("reports"))
}

func TestRefresh_Offline(t *testing.T) {
	h := newHarness(t, false, false)

	rec, body := h.do(t, http.MethodPost, "/reports/refresh", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, orchestrator.NoticeOfflineRefresh, body["notice"])
	require.Zero(t, h.primary.Calls("reports"))
}

func TestRefresh_FetchesAgain(t *testing.T) {
	h := newHarness(t, true, false)

	h.do(t, http.MethodGet, "/reports/R1", "")
	require.Equal(t, 1, h.primary.Calls("report"))

	rec, body := h.do(t, http.MethodPost, "/reports/R1/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "SERVING_FRESH", body["phase"])
	require.Equal(t, 2, h.primary.Calls("report"))
}

func TestSummary_OnlyOnRefresh(t *testing.T) {
	h := newHarness(t, true, false)

	rec, body := h.do(t, http.MethodGet, "/reports/R1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, body["data"])
	require.Zero(t, h.primary.Calls("summary"))

	rec, body = h.do(t, http.MethodPost, "/reports/R1/summary/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"], 1)
	require.Equal(t, 1, h.primary.Calls("summary"))
}

func TestClearReport(t *testing.T) {
	h := newHarness(t, true, false)
	ctx := context.Background()

	h.do(t, http.MethodGet, "/reports/R1", "")
	h.do(t, http.MethodPost, "/reports/R1/summary/refresh", "")
	_, ok := h.store.Get(ctx, "report_detail_R1")
	require.True(t, ok)

	rec, body := h.do(t, http.MethodDelete, "/reports/R1/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["leave"])
	require.Equal(t, "report_detail_R1", body["cleared"])

	_, ok = h.store.Get(ctx, "report_detail_R1")
	require.False(t, ok)
	_, ok = h.store.Get(ctx, "report_summary_R1")
	require.False(t, ok)

	// Clearing again succeeds.
	rec, _ = h.do(t, http.MethodDelete, "/reports/R1/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClearReports_StaysOnScreen(t *testing.T) {
	h := newHarness(t, true, false)

	h.do(t, http.MethodGet, "/reports", "")
	rec, body := h.do(t, http.MethodDelete, "/reports/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["leave"])

	// The next read mounts a new view and fetches again.
	h.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, 2, h.primary.Calls("reports"))
}

func TestConnectivity(t *testing.T) {
	h := newHarness(t, true, true)

	rec, body := h.do(t, http.MethodGet, "/connectivity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["online"])
	require.Equal(t, true, body["settable"])

	rec, _ = h.do(t, http.MethodPut, "/connectivity", `{"online": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	st, err := h.manual.Current(context.Background())
	require.NoError(t, err)
	require.False(t, st.Online)

	rec, _ = h.do(t, http.MethodPut, "/connectivity", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectivity_ReadOnlyWithoutManual(t *testing.T) {
	h := newHarness(t, true, false)

	rec, _ := h.do(t, http.MethodPut, "/connectivity", `{"online": false}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproval(t *testing.T) {
	t.Run("single check", func(t *testing.T) {
		h := newHarness(t, true, false)
		rec, body := h.do(t, http.MethodGet, "/emergency/E1/approval", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "pending", body["status"])
		require.Equal(t, 1, h.primary.Calls("approval"))
	})

	t.Run("wait until approved", func(t *testing.T) {
		h := newHarness(t, true, false)
		h.primary.approvals = []medsync.ApprovalStatus{
			{State: medsync.ApprovalPending},
			{State: medsync.ApprovalPending},
			{State: medsync.ApprovalApproved, PatientID: "P1"},
		}
		rec, body := h.do(t, http.MethodGet, "/emergency/E1/approval?wait=5s", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "approved", body["status"])
		require.Equal(t, "P1", body["patient_id"])
		require.Equal(t, 3, h.primary.Calls("approval"))
	})

	t.Run("wait expires while pending", func(t *testing.T) {
		h := newHarness(t, true, false)
		rec, body := h.do(t, http.MethodGet, "/emergency/E1/approval?wait=50ms", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "pending", body["status"])
	})

	t.Run("session rejected", func(t *testing.T) {
		h := newHarness(t, true, false)
		h.primary.approvErr = medsync.NewError(medsync.CodeUpstream4xx, "approval", errors.New("unauthorized"))
		rec, body := h.do(t, http.MethodGet, "/emergency/E1/approval", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		errInfo := body["error"].(map[string]any)
		require.Equal(t, "UPSTREAM_4XX", errInfo["code"])
	})

	t.Run("invalid wait", func(t *testing.T) {
		h := newHarness(t, true, false)
		rec, _ := h.do(t, http.MethodGet, "/emergency/E1/approval?wait=soon", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestShutdownUnmountsViews(t *testing.T) {
	h := newHarness(t, true, false)

	h.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, 1, h.manual.Subscribers())

	require.NoError(t, h.srv.Shutdown(context.Background()))
	require.Zero(t, h.manual.Subscribers())

	rec, _ := h.do(t, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{errors.New("boom"), http.StatusInternalServerError},
		{medsync.NewError(medsync.CodeNoConnectivity, "refresh", nil), http.StatusServiceUnavailable},
		{medsync.NewError(medsync.CodeNetworkTimeout, "refresh", nil), http.StatusGatewayTimeout},
		{medsync.NewError(medsync.CodeUpstream4xx, "refresh", nil), http.StatusUnauthorized},
		{medsync.NewError(medsync.CodeUpstream5xx, "refresh", nil), http.StatusBadGateway},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
