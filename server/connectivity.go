package server

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	st, err := s.sync.Monitor().Current(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("connectivity unknown"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":   st.Online,
		"settable": s.config.Manual != nil,
	})
}

// handlePutConnectivity lets the host shell push its reachability state.
// Views react to the change like to any other monitor transition.
func (s *Server) handlePutConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.config.Manual == nil {
		writeJSON(w, http.StatusConflict, errorBody("connectivity is probed, not set by the host"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeJSON(w, http.StatusBadRequest, errorBody(`body must be {"online": true|false}`))
		return
	}

	s.config.Manual.Set(*req.Online)
	s.logger.Info("connectivity set by host", "online", *req.Online)
	writeJSON(w, http.StatusOK, map[string]any{
		"online":   *req.Online,
		"settable": true,
	})
}
