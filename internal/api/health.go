package api

import (
	"net/http"
	"sync/atomic"
)

// Health tracks whether the server should receive traffic.
type Health struct {
	ready atomic.Bool
}

func NewHealth(initialReady bool) *Health {
	h := &Health{}
	h.ready.Store(initialReady)
	return h
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Health) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if h.IsReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}
