package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/services/dispatch"
)

type ModelsHandler struct {
	pipeline *dispatch.Pipeline
	logger   *zap.Logger
}

func NewModelsHandler(pipeline *dispatch.Pipeline, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{pipeline: pipeline, logger: logger}
}

// List aggregates every configured provider's model listing.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.pipeline.ListModels(r.Context())
	if err != nil {
		h.logger.Error("model listing failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "model listing failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}
