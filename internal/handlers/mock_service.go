package handlers

import (
	"context"
	"net/http"
	"sync"

	"lifeboat/internal/alerts"
	"lifeboat/internal/models"
	"lifeboat/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	genTokenToken string
	genTokenErr   error
	parseSubject  string
	parseErr      error

	lastDeviceToken string
	lastParseToken  string
}

func (m *mockAuth) VerifyDeviceToken(context.Context, string) bool { return false }
func (m *mockAuth) SetDeviceToken(context.Context, string) error   { return nil }
func (m *mockAuth) GenerateToken(_ context.Context, deviceToken string) (string, error) {
	m.lastDeviceToken = deviceToken
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (string, error) {
	m.lastParseToken = token
	return m.parseSubject, m.parseErr
}

type mockStatus struct {
	status models.DeviceStatus
	err    error
}

func (m *mockStatus) Status(context.Context) (models.DeviceStatus, error) {
	return m.status, m.err
}

type mockAlertHistory struct {
	resp     []models.AlertRecord
	err      error
	lastFilt service.AlertFilter
}

func (m *mockAlertHistory) ListAlerts(_ context.Context, f service.AlertFilter) ([]models.AlertRecord, error) {
	m.lastFilt = f
	return m.resp, m.err
}

type mockEscalation struct {
	err   error
	calls int
}

func (m *mockEscalation) Escalate(context.Context) error {
	m.calls++
	return m.err
}

// mockAlertStream keeps one sink, like the real alert log.
type mockAlertStream struct {
	mu   sync.Mutex
	sink alerts.Sink
	subs chan struct{}
}

func newMockAlertStream() *mockAlertStream {
	return &mockAlertStream{subs: make(chan struct{}, 4)}
}

func (m *mockAlertStream) Subscribe(fn alerts.Sink) func() {
	m.mu.Lock()
	m.sink = fn
	m.mu.Unlock()
	m.subs <- struct{}{}
	return func() {
		m.mu.Lock()
		m.sink = nil
		m.mu.Unlock()
	}
}

func (m *mockAlertStream) push(rec models.AlertRecord) {
	m.mu.Lock()
	fn := m.sink
	m.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
