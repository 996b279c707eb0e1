package handlers

import (
	"encoding/json"
	"net/http"
)

type tickRequest struct {
	Limit int    `json:"limit"`
	JobID string `json:"job_id"`
}

// WorkerTick runs one tick inline. Exposed so the scheduler (or an operator)
// can drive the pipeline without the standalone worker process.
func (a *App) WorkerTick(w http.ResponseWriter, r *http.Request) {
	if a.Cfg.WorkerToken == "" || r.Header.Get("X-Worker-Token") != a.Cfg.WorkerToken {
		a.error(w, http.StatusUnauthorized, "unauthorized", "worker token required")
		return
	}
	var req tickRequest
	// Empty body means default batch.
	_ = json.NewDecoder(r.Body).Decode(&req)

	result := a.Worker.Tick(r.Context(), req.Limit, req.JobID)
	a.json(w, http.StatusOK, result)
}
