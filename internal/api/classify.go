package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/classifier"
	"github.com/kalambet/hostrd/internal/hub"
)

type ClassifyRequest struct {
	TenantID string `json:"tenant_id"`
	Text     string `json:"text"`
	Room     string `json:"room,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type ClassifyResponse struct {
	classifier.Result
	Delivered int `json:"delivered"`
}

func handleClassify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ClassifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TenantID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tenant_id is required")
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		res := deps.Classifier.Classify(r.Context(), req.TenantID, req.Text)
		delivered := alertStaff(deps, req, res)

		writeJSON(w, http.StatusOK, ClassifyResponse{Result: res, Delivered: delivered})
	}
}

// alertStaff pushes emergencies and maintenance requests to the tenant's
// connected staff. Ambiguous results are left for human routing.
func alertStaff(deps Deps, req ClassifyRequest, res classifier.Result) int {
	if deps.Hub == nil || res.Ambiguous {
		return 0
	}
	var name hub.EventName
	switch res.Label {
	case classifier.LabelEmergency:
		name = hub.EventEmergencyAlert
	case classifier.LabelMaintenance:
		name = hub.EventMaintenanceRequest
	default:
		return 0
	}
	n := deps.Hub.Publish(req.TenantID, name, hub.AlertPayload{
		Text:       req.Text,
		Label:      res.Label,
		Confidence: res.Confidence,
		Room:       req.Room,
		Phone:      req.Phone,
	})
	deps.Logger.Info("staff alerted",
		zap.String("tenant_id", req.TenantID),
		zap.String("event", string(name)),
		zap.Int("delivered", n))
	return n
}
