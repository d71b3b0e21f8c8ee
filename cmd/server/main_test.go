package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/plugins"
	"github.com/guido-cesarano/captchad/pkg/remote"
)

func newTestRouter(apiKey string) *http.ServeMux {
	sessions := remote.NewSessions(time.Minute)
	manager := captcha.NewManager(sessions, plugins.NewRegistry())
	srv := remote.NewServer(manager, sessions, remote.Options{APIKey: apiKey})
	return setupRouter(srv, time.Minute)
}

func TestAuthMiddleware(t *testing.T) {
	mux := newTestRouter("secret-key")

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			headerKey:      "",
			headerValue:    "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // 400 because body is empty, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/challenge", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	mux := newTestRouter("")

	req := httptest.NewRequest("POST", "/challenge", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code == http.StatusUnauthorized {
		t.Errorf("Expected auth to be disabled, got 401")
	}
}

func TestChallengeRejectedWithoutOperators(t *testing.T) {
	mux := newTestRouter("")

	req := httptest.NewRequest("POST", "/challenge", strings.NewReader(`{"format":"png","file":"a.rar"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if !strings.Contains(w.Body.String(), captcha.NoClientMessage) {
		t.Errorf("Expected no client message, got %q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	mux := newTestRouter("secret-key")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}
