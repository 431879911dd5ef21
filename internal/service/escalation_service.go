package service

import (
	"context"
	"errors"

	"lifeboat/internal/models"
)

var ErrNotWaitingForControl = errors.New("escalation only applies while waiting for control")

// Escalator is the coordinator's manual escalation entry point.
type Escalator interface {
	EscalateManually() error
}

type EscalationService struct {
	mode      ModeSource
	escalator Escalator
}

func NewEscalationService(mode ModeSource, escalator Escalator) *EscalationService {
	return &EscalationService{mode: mode, escalator: escalator}
}

// Escalate queues a manual switch to the recovery channel. The coordinator
// applies it asynchronously and drops it unless still in WaitControl.
func (s *EscalationService) Escalate(_ context.Context) error {
	if m := s.mode.Mode(); m != models.ModeWaitControl {
		return ErrNotWaitingForControl
	}
	return s.escalator.EscalateManually()
}
