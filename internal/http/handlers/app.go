// Package handlers contains the HTTP surface of the orchestrator. Handlers
// stay thin: validation and response shaping here, everything stateful in the
// lifecycle, ledger, quota and worker packages.
package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"forgelab/internal/domain"
	"forgelab/internal/infra"
	"forgelab/internal/infra/geoip"
	"forgelab/internal/ledger"
	"forgelab/internal/lifecycle"
	"forgelab/internal/middleware"
	"forgelab/internal/queue"
	"forgelab/internal/quota"
	"forgelab/internal/worker"
)

type App struct {
	Logger  zerolog.Logger
	Cfg     *infra.Config
	Jobs    domain.JobRepository
	Events  domain.JobEventRepository
	Tokens  *ledger.Service
	Machine *lifecycle.Machine
	Quota   *quota.Limiter
	Worker  *worker.Worker
	Queue   queue.Queue           // optional
	Geo     geoip.CountryResolver // optional
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{"error": code, "message": message})
}

func (a *App) rateLimited(w http.ResponseWriter, d quota.Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	a.json(w, http.StatusTooManyRequests, map[string]any{
		"error":               "rate_limited",
		"message":             d.Message,
		"retry_after_seconds": d.RetryAfterSeconds,
	})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// clientIP returns the caller address with any port stripped. The RealIP
// middleware has already unwrapped proxy headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
