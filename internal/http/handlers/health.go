package handlers

import "net/http"

// Health is the liveness probe. It reports process health only and does not
// touch the database or Redis.
func (a *App) Health(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
