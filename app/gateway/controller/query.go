package controller

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/app/gateway/resolver"
)

const maxQueryBody = 1 << 20

// HandleQuery resolves a batch of fields. Field failures are reported inside the response body,
// so any decodable request gets a 200.
func (c *Controller) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req resolver.QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one field is required"})
		return
	}

	resp := c.App.Resolver.ExecuteQuery(r.Context(), req)
	if len(resp.Errors) > 0 {
		c.App.Logger.Debug("Query resolved with field errors",
			zap.Int("fields", len(req.Fields)),
			zap.Int("errors", len(resp.Errors)))
	}
	writeJSON(w, http.StatusOK, resp)
}
