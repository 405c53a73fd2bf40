package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		method     string
		checks     map[string]Check
		wantStatus int
		wantIssues []string
	}{
		{
			name:       "all healthy",
			method:     http.MethodGet,
			checks:     map[string]Check{"database": ok, "index": ok},
			wantStatus: http.StatusOK,
		},
		{
			name:       "index down",
			method:     http.MethodGet,
			checks:     map[string]Check{"database": ok, "index": down},
			wantStatus: http.StatusServiceUnavailable,
			wantIssues: []string{"index_unavailable"},
		},
		{
			name:       "method not allowed",
			method:     http.MethodPost,
			checks:     map[string]Check{"database": ok},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.checks).ServeHTTP(w, httptest.NewRequest(tt.method, "/api/health", nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.method != http.MethodGet {
				return
			}
			var resp HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Issues) != len(tt.wantIssues) {
				t.Fatalf("issues = %v, want %v", resp.Issues, tt.wantIssues)
			}
			for i := range tt.wantIssues {
				if resp.Issues[i] != tt.wantIssues[i] {
					t.Errorf("issues = %v, want %v", resp.Issues, tt.wantIssues)
				}
			}
			if len(resp.Checks) != len(tt.checks) {
				t.Errorf("checks = %v", resp.Checks)
			}
		})
	}
}
