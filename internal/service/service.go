package service

import (
	"context"

	"lifeboat/internal/alerts"
	"lifeboat/internal/models"
	"lifeboat/internal/repository"
)

type Authorization interface {
	VerifyDeviceToken(ctx context.Context, token string) bool
	SetDeviceToken(ctx context.Context, token string) error
	GenerateToken(ctx context.Context, deviceToken string) (string, error)
	ParseToken(accessToken string) (string, error)
}

// Status exposes the read-only device snapshot.
type Status interface {
	Status(ctx context.Context) (models.DeviceStatus, error)
}

// AlertHistory exposes the persisted alert log with filtering.
type AlertHistory interface {
	ListAlerts(ctx context.Context, f AlertFilter) ([]models.AlertRecord, error)
}

// AlertStream delivers live alerts to one subscriber at a time.
type AlertStream interface {
	Subscribe(fn alerts.Sink) (cancel func())
}

type Escalation interface {
	Escalate(ctx context.Context) error
}

// Service aggregates all sub-services for the HTTP layer.
type Service struct {
	Authorization
	Status
	AlertHistory
	AlertStream
	Escalation
}

// Deps are the live components the services read from.
type Deps struct {
	Repos     *repository.Repository
	Auth      *AuthService
	Mode      ModeSource
	Escalator Escalator
	Status    *StatusService
	Alerts    *alerts.Log
}

func NewService(d Deps) *Service {
	return &Service{
		Authorization: d.Auth,
		Status:        d.Status,
		AlertHistory:  NewAlertHistoryService(d.Repos.Alerts),
		AlertStream:   d.Alerts,
		Escalation:    NewEscalationService(d.Mode, d.Escalator),
	}
}
