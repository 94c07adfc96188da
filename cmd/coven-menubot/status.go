// ABOUTME: HTTP router for the operator endpoint: metrics, a health probe and connection control
// ABOUTME: The probe answers 503 until the channel is open; POST routes start, re-pair or stop

package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-menubot/internal/supervisor"
)

type healthResponse struct {
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Sessions int    `json:"sessions"`
	Pairing  bool   `json:"pairing"`
}

func (a *app) statusRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle(a.cfg.Metrics.Path, a.metrics.Handler())
	r.Get("/healthz", a.handleHealth)
	r.Route("/control", func(r chi.Router) {
		r.Post("/start", a.handleControl(a.sup.Start))
		r.Post("/force-new-session", a.handleControl(a.sup.ForceNewSession))
		r.Post("/stop", a.handleControl(a.sup.Stop))
	})
	return r
}

// handleControl runs a supervisor command and answers with the resulting state.
func (a *app) handleControl(command func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := map[string]string{}
		if err := command(r.Context()); err != nil {
			a.logger.Error("control command failed", "path", r.URL.Path, "error", err)
			status = http.StatusInternalServerError
			resp["error"] = err.Error()
		}
		resp["state"] = a.sup.State().String()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := a.sup.State()
	resp := healthResponse{
		State:    state.String(),
		Attempts: a.sup.Attempts(),
		Sessions: a.manager.Len(),
		Pairing:  a.sup.Challenge() != nil,
	}

	status := http.StatusOK
	if state != supervisor.StateOpen {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
