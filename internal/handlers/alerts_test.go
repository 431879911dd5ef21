package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lifeboat/internal/models"
	"lifeboat/internal/service"
)

func TestParseQueryTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2025-08-27T15:04:05Z", time.Date(2025, 8, 27, 15, 4, 5, 0, time.UTC), true},
		{"2025-08-27T18:04:05+03:00", time.Date(2025, 8, 27, 15, 4, 5, 0, time.UTC), true},
		{"2025-08-27 15:04:05", time.Date(2025, 8, 27, 15, 4, 5, 0, time.UTC), true},
		{"2025-08-27", time.Date(2025, 8, 27, 0, 0, 0, 0, time.UTC), true},
		{"27/08/2025", time.Time{}, false},
	}
	for _, tc := range cases {
		got, err := parseQueryTime(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("parseQueryTime(%q) err=%v", tc.in, err)
		}
		if tc.ok && !got.Equal(tc.want) {
			t.Fatalf("parseQueryTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGetAlerts(t *testing.T) {
	hist := &mockAlertHistory{resp: []models.AlertRecord{
		{ID: "a", Seq: 1, Code: models.AlertRollbackExecuted, Detail: "post_rb=1"},
		{ID: "b", Seq: 2, Code: models.AlertTCPFatal},
	}}
	s := &service.Service{Authorization: &mockAuth{parseSubject: "operator"}, AlertHistory: hist}
	r := newTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?from=2025-08-01&to=2025-08-31&code=tcp_fatal", nil)
	req.Header = authHeader("tok")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var out struct {
		Count  int                  `json:"count"`
		Alerts []models.AlertRecord `json:"alerts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 2 || out.Alerts[1].Code != models.AlertTCPFatal {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	if want := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC); !hist.lastFilt.From.Equal(want) {
		t.Fatalf("from = %v", hist.lastFilt.From)
	}
	if want := time.Date(2025, 8, 31, 23, 59, 59, 999999999, time.UTC); !hist.lastFilt.To.Equal(want) {
		t.Fatalf("date-only to must be end of day, got %v", hist.lastFilt.To)
	}
	if hist.lastFilt.Code != "tcp_fatal" {
		t.Fatalf("code = %q", hist.lastFilt.Code)
	}
}

func TestGetAlerts_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		url  string
		err  error
	}{
		{name: "bad from", url: "/api/v1/alerts?from=yesterday"},
		{name: "bad to", url: "/api/v1/alerts?to=soon"},
		{name: "filter rejected by service", url: "/api/v1/alerts?code=melted", err: filterErr(t)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hist := &mockAlertHistory{err: tc.err}
			s := &service.Service{Authorization: &mockAuth{parseSubject: "operator"}, AlertHistory: hist}
			r := newTestRouter(s)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			req.Header = authHeader("tok")
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetAlerts_RepoFailure(t *testing.T) {
	hist := &mockAlertHistory{err: errors.New("db down")}
	s := &service.Service{Authorization: &mockAuth{parseSubject: "operator"}, AlertHistory: hist}
	r := newTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	req.Header = authHeader("tok")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

// filterErr obtains a real filter validation error from the service layer.
func filterErr(t *testing.T) error {
	t.Helper()
	_, err := service.NewAlertHistoryService(nil).ListAlerts(context.Background(), service.AlertFilter{Code: "melted"})
	if !service.IsFilterError(err) {
		t.Fatalf("expected filter error, got %v", err)
	}
	return err
}
