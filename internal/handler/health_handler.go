package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/recipebox/internal/repository"
)

// healthCheckTimeout はストアへの疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
}

// NewHealthHandler はストアへの疎通を確認するハンドラーを返す。
// GET /health
func NewHealthHandler(checker repository.HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			writeJSONResponse(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
		writeJSONResponse(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
