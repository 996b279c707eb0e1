package handlers

import (
	"net/http"
	"time"
)

func (a *App) adminAuthorized(r *http.Request) bool {
	return a.Cfg.AdminToken != "" && r.Header.Get("X-Admin-Token") == a.Cfg.AdminToken
}

// AdminOverview reports the last 24 hours: event volume per type, token flow
// per reason, and the live queue shape.
func (a *App) AdminOverview(w http.ResponseWriter, r *http.Request) {
	if !a.adminAuthorized(r) {
		a.error(w, http.StatusUnauthorized, "unauthorized", "admin token required")
		return
	}
	since := time.Now().Add(-24 * time.Hour)

	eventCounts, err := a.Events.CountByTypeSince(r.Context(), since)
	if err != nil {
		a.Logger.Error().Err(err).Msg("event counts failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load event counts")
		return
	}
	flows, err := a.Tokens.FlowsSince(r.Context(), since)
	if err != nil {
		a.Logger.Error().Err(err).Msg("token flows failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load token flows")
		return
	}
	activeJobs, err := a.Jobs.CountActive(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("active count failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load active jobs")
		return
	}

	tokenFlows := make([]map[string]any, 0, len(flows))
	for _, flow := range flows {
		tokenFlows = append(tokenFlows, map[string]any{
			"reason": string(flow.Reason),
			"count":  flow.Count,
			"total":  flow.Total,
		})
	}

	overview := map[string]any{
		"active_jobs":     activeJobs,
		"events_24h":      eventCounts,
		"token_flows_24h": tokenFlows,
		"worker_enabled":  a.Cfg.WorkerEnabled,
		"provider":        a.Cfg.ProviderName,
	}
	if a.Queue != nil {
		if depth, err := a.Queue.Depth(r.Context()); err == nil {
			overview["queue_depth"] = depth
		}
	}
	a.json(w, http.StatusOK, overview)
}
