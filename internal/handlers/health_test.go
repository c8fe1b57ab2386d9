package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"dbutils/internal/metrics"
)

// Shared metrics instance to avoid duplicate registration
var sharedMetrics = metrics.New()

func TestHealthHandler_Health(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := sharedMetrics

	storageDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(storageDir, "data.mdb"), []byte("page"), 0644); err != nil {
		t.Fatalf("failed to create storage file: %v", err)
	}
	notDir := filepath.Join(storageDir, "data.mdb")

	tests := []struct {
		name              string
		dbDir             string
		wantStatus        int
		wantHealthy       bool
		wantStorageStatus string
	}{
		{
			name:              "populated storage directory",
			dbDir:             storageDir,
			wantStatus:        http.StatusOK,
			wantHealthy:       true,
			wantStorageStatus: "ok",
		},
		{
			name:              "empty storage directory",
			dbDir:             t.TempDir(),
			wantStatus:        http.StatusOK,
			wantHealthy:       true,
			wantStorageStatus: "ok",
		},
		{
			name:              "missing storage directory",
			dbDir:             filepath.Join(storageDir, "missing"),
			wantStatus:        http.StatusServiceUnavailable,
			wantHealthy:       false,
			wantStorageStatus: "unavailable",
		},
		{
			name:              "storage path is a file",
			dbDir:             notDir,
			wantStatus:        http.StatusServiceUnavailable,
			wantHealthy:       false,
			wantStorageStatus: "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(logger, tt.dbDir, m)

			req := httptest.NewRequest("GET", "/health", nil)
			w := httptest.NewRecorder()

			handler.Health(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Health() status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp healthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}

			expectedStatus := "healthy"
			if !tt.wantHealthy {
				expectedStatus = "unhealthy"
			}

			if resp.Status != expectedStatus {
				t.Errorf("Health() status = %s, want %s", resp.Status, expectedStatus)
			}

			if resp.Checks["storage"] != tt.wantStorageStatus {
				t.Errorf("Health() storage check = %s, want %s", resp.Checks["storage"], tt.wantStorageStatus)
			}

			if resp.Version == "" {
				t.Error("Health() version should not be empty")
			}
		})
	}
}
