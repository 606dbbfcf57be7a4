package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/orchestrator"
	"github.com/medlink/medsync/telemetry"
)

// maxApprovalWait caps the wait query parameter of the approval route.
const maxApprovalWait = 90 * time.Second

// mount returns the mounted view for key, building and mounting it first
// when needed. created is true for a view mounted by this call.
func mount[T, L any](s *Server, key string, build func() *orchestrator.View[T, L]) (v *orchestrator.View[T, L], created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, errors.New("server is shutting down")
	}
	if existing, ok := s.views[key].(*orchestrator.View[T, L]); ok {
		return existing, false, nil
	}
	v = build()
	v.Mount(s.ctx)
	s.views[key] = v
	s.logger.Debug("view mounted", "cache_key", key, "view_id", v.ID())
	return v, true, nil
}

// unmount drops the views for keys.
func (s *Server) unmount(keys ...string) {
	s.mu.Lock()
	var views []mountedView
	for _, key := range keys {
		if v, ok := s.views[key]; ok {
			views = append(views, v)
			delete(s.views, key)
		}
	}
	s.mu.Unlock()

	for _, v := range views {
		v.Unmount()
	}
}

// settle waits for the initial sync of a new view, bounded by the request and
// the settle timeout. The view keeps working after a timeout.
func (s *Server) settle(ctx context.Context, v mountedView) {
	ctx, cancel := context.WithTimeout(ctx, s.config.SettleTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		v.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	serveView(s, w, r, medsync.Key(medsync.KindReportList, medsync.SelfScope), s.sync.ReportList)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	serveView(s, w, r, medsync.Key(medsync.KindReportDetail, id), func() *orchestrator.View[medsync.ReportDetail, []medsync.FileRecord] {
		return s.sync.ReportDetail(id)
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	serveView(s, w, r, medsync.Key(medsync.KindReportSummary, id), func() *orchestrator.View[[]medsync.MedicationSummary, struct{}] {
		return s.sync.Summary(id)
	})
}

func (s *Server) handleRefreshReports(w http.ResponseWriter, r *http.Request) {
	refreshView(s, w, r, medsync.Key(medsync.KindReportList, medsync.SelfScope), s.sync.ReportList)
}

func (s *Server) handleRefreshReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refreshView(s, w, r, medsync.Key(medsync.KindReportDetail, id), func() *orchestrator.View[medsync.ReportDetail, []medsync.FileRecord] {
		return s.sync.ReportDetail(id)
	})
}

func (s *Server) handleRefreshSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refreshView(s, w, r, medsync.Key(medsync.KindReportSummary, id), func() *orchestrator.View[[]medsync.MedicationSummary, struct{}] {
		return s.sync.Summary(id)
	})
}

func (s *Server) handleClearReports(w http.ResponseWriter, r *http.Request) {
	clearView(s, w, r, medsync.Key(medsync.KindReportList, medsync.SelfScope), s.sync.ReportList)
}

// handleClearReport clears a report and its summary.
func (s *Server) handleClearReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.unmount(medsync.Key(medsync.KindReportSummary, id))
	clearView(s, w, r, medsync.Key(medsync.KindReportDetail, id), func() *orchestrator.View[medsync.ReportDetail, []medsync.FileRecord] {
		return s.sync.ReportDetail(id)
	})
}

// serveView renders the current state of the view for key. A first request
// waits for the initial sync so it sees fresh data when the network allows.
func serveView[T, L any](s *Server, w http.ResponseWriter, r *http.Request, key string, build func() *orchestrator.View[T, L]) {
	v, created, err := mount(s, key, build)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
		return
	}
	if created {
		s.settle(r.Context(), v)
	}
	writeState(w, r, http.StatusOK, v.State())
}

// refreshView forces a fetch. The body is the resulting state; the status
// code reflects the refresh outcome.
func refreshView[T, L any](s *Server, w http.ResponseWriter, r *http.Request, key string, build func() *orchestrator.View[T, L]) {
	v, created, err := mount(s, key, build)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
		return
	}
	if created {
		s.settle(r.Context(), v)
	}
	err = v.Refresh(r.Context())
	if err != nil {
		s.logger.Info("refresh failed", "cache_key", key, "error", err)
	}
	writeState(w, r, statusFor(err), v.State())
}

// clearView removes the entity from the cache and unmounts its view. leave
// tells the host to navigate away from a detail screen.
func clearView[T, L any](s *Server, w http.ResponseWriter, r *http.Request, key string, build func() *orchestrator.View[T, L]) {
	telemetry.SetSource(r, telemetry.SourceNone)

	s.mu.Lock()
	v, ok := s.views[key].(*orchestrator.View[T, L])
	if ok {
		delete(s.views, key)
	}
	s.mu.Unlock()
	if !ok {
		v = build()
	}

	leave, err := v.Clear(r.Context())
	v.Unmount()
	if err != nil {
		s.logger.Warn("cache clear failed", "cache_key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("cache clear failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared": key,
		"leave":   leave,
	})
}

// handleApproval checks an emergency access request. With ?wait=30s it
// polls until the request settles or the wait ends.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	telemetry.SetKind(r, "approval")
	telemetry.SetSource(r, telemetry.SourceNetwork)

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid wait %q", raw)))
			return
		}
		wait = min(d, maxApprovalWait)
	}

	var (
		st  medsync.ApprovalStatus
		err error
	)
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		st, err = s.sync.AwaitApproval(ctx, id, nil)
		if errors.Is(err, context.DeadlineExceeded) && medsync.CodeOf(err) == "" {
			err = nil
		}
	} else {
		st, err = s.sync.CheckApproval(r.Context(), id)
	}
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"error": orchestrator.NewErrorInfo(err),
		})
		return
	}
	if st.State == "" {
		st.State = medsync.ApprovalPending
	}
	writeJSON(w, http.StatusOK, st)
}

// statusFor maps a classified error to the bridge response status.
func statusFor(err error) int {
	switch medsync.CodeOf(err) {
	case "":
		if err != nil {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	case medsync.CodeNoConnectivity, medsync.CodeNoCacheAvailable:
		return http.StatusServiceUnavailable
	case medsync.CodeNetworkTimeout:
		return http.StatusGatewayTimeout
	case medsync.CodeUpstream4xx:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func sourceTag(src orchestrator.Source) telemetry.Source {
	switch src {
	case orchestrator.SourceCache:
		return telemetry.SourceCache
	case orchestrator.SourceNetwork:
		return telemetry.SourceNetwork
	case orchestrator.SourceMerged:
		return telemetry.SourceMerged
	default:
		return telemetry.SourceNone
	}
}

func writeState[T any](w http.ResponseWriter, r *http.Request, status int, st orchestrator.State[T]) {
	telemetry.SetKind(r, string(st.Kind))
	telemetry.SetSource(r, sourceTag(st.Source))
	writeJSON(w, status, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
