package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"dbutils/internal/metrics"
)

// Version is reported by the health endpoint; set at build time.
var Version = "dev"

// HealthHandler reports whether the storage directory can be archived
type HealthHandler struct {
	logger  *zap.Logger
	dbDir   string
	metrics *metrics.Metrics
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(logger *zap.Logger, dbDir string, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		dbDir:   dbDir,
		metrics: m,
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// Health returns health status
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	healthy := true

	if err := checkStorageDir(h.dbDir); err != nil {
		checks["storage"] = "unavailable"
		healthy = false
		h.metrics.HealthStatus.WithLabelValues("storage").Set(0)
		h.metrics.HealthChecksFailed.WithLabelValues("storage").Inc()
		h.logger.Warn("storage health check failed", zap.String("db", h.dbDir), zap.Error(err))
	} else {
		checks["storage"] = "ok"
		h.metrics.HealthStatus.WithLabelValues("storage").Set(1)
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(healthResponse{
		Status:  map[bool]string{true: "healthy", false: "unhealthy"}[healthy],
		Checks:  checks,
		Version: Version,
	})
}

// checkStorageDir verifies dir is a directory whose entries can be listed.
func checkStorageDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	info, err := d.Stat()
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if _, err := d.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
