package lolasync

import (
	"encoding/json"
	"net/http"
)

// Page-facing control surface. The app's client records actions and reports
// connectivity through these endpoints; everything else falls through to
// the interceptor.
func (s *Service) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /lola/actions", s.handleEnqueue)
	mux.HandleFunc("GET /lola/actions", s.handleListActions)
	mux.HandleFunc("POST /lola/online", s.handleOnline)
	mux.HandleFunc("POST /lola/sync", s.handleSync)
	mux.HandleFunc("GET /lola/status", s.handleStatus)
	mux.Handle("/", s.interceptor)
}

type enqueueRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	kind, err := ParseActionKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.Enqueue(kind, req.Payload)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Service) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions := s.queue.List()
	if actions == nil {
		actions = []QueuedAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

type onlineRequest struct {
	Online bool `json:"online"`
}

func (s *Service) handleOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.reconciler.SetOnline(req.Online)
	if req.Online {
		s.bus.Publish(SyncMessage{Tag: s.cfg.Sync.Tag, Type: "sync"})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	s.bus.Publish(SyncMessage{Tag: s.cfg.Sync.Tag, Type: "sync"})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"lifecycle": s.lifecycle.State().String(),
		"sync":      s.reconciler.State().String(),
		"pending":   s.queue.Len(),
		"stats":     s.stats.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
