// Package healthz provides liveness/readiness handlers for the debug
// muxes.
package healthz

import (
	"net/http"
	"sync/atomic"
)

type Handler struct {
	ready atomic.Bool
}

func New() *Handler {
	h := &Handler{}
	h.ready.Store(true)
	return h
}

// SetReady flips the readiness state; the handler reports 503 while not
// ready.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("200 OK"))
}
