package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthCheckTimeout = 3 * time.Second

var errMissingStore = errors.New("health.missing_store: readiness requires a store to ping")

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
	Driver() string
}

// HealthStatus is the payload served by the health endpoints.
type HealthStatus struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// HandleLiveness reports that the process is serving requests.
func HandleLiveness(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, HealthStatus{Status: "ok"})
}

// HandleReadiness pings the session store and answers 503 when it is unreachable.
func HandleReadiness(logger *zap.Logger, store Pinger) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		return nil, errMissingStore
	}
	return func(contextGin *gin.Context) {
		ctx, cancel := context.WithTimeout(contextGin.Request.Context(), healthCheckTimeout)
		defer cancel()

		contextGin.Header("Cache-Control", "no-store")
		if err := store.Ping(ctx); err != nil {
			logger.Warn("store ping failed",
				zap.String("code", "health.store_unreachable"),
				zap.String("driver", store.Driver()),
				zap.Error(err))
			contextGin.JSON(http.StatusServiceUnavailable, HealthStatus{Status: "unavailable", Store: store.Driver()})
			return
		}
		contextGin.JSON(http.StatusOK, HealthStatus{Status: "ok", Store: store.Driver()})
	}, nil
}
