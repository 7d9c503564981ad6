package controller

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/hub"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if c.App.RedisClient != nil {
		if err := c.App.RedisClient.Health(ctx); err != nil {
			c.App.Logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "redis connection error"})
			return
		}
	}

	stats := c.App.Hub.Stats()
	if stats.State == hub.Closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "errored", "error": "event hub closed"})
		return
	}

	body := map[string]any{
		"status":        "ok",
		"hub":           stats.State.String(),
		"subscriptions": stats.Subscriptions,
	}
	if c.App.Cache != nil {
		body["cachedMetadata"] = c.App.Cache.Len()
	}
	writeJSON(w, http.StatusOK, body)
}
