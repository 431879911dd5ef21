package service

import (
	"context"
	"fmt"

	"lifeboat/internal/health"
	"lifeboat/internal/models"
	"lifeboat/internal/platform"
	"lifeboat/internal/recovery"
)

// ModeSource is the coordinator's read side.
type ModeSource interface {
	Mode() models.Mode
	ControlProven() bool
}

type FlagReader interface {
	IsSet(ctx context.Context) bool
}

type MonitorSnapshotter interface {
	Snapshot() health.Snapshot
}

type RecoveryStater interface {
	State() recovery.State
}

type LatestAlert interface {
	Latest() (models.AlertRecord, bool)
}

// StatusService assembles the diagnostics snapshot from the live components.
type StatusService struct {
	mode     ModeSource
	images   platform.Images
	flag     FlagReader
	monitor  MonitorSnapshotter
	recovery RecoveryStater
	alerts   LatestAlert
}

func NewStatusService(mode ModeSource, images platform.Images, flag FlagReader,
	monitor MonitorSnapshotter, rec RecoveryStater, alerts LatestAlert) *StatusService {
	return &StatusService{mode: mode, images: images, flag: flag, monitor: monitor, recovery: rec, alerts: alerts}
}

// Status never blocks on the coordinator; image state comes straight from flash metadata.
func (s *StatusService) Status(ctx context.Context) (models.DeviceStatus, error) {
	st := models.DeviceStatus{
		Mode:          s.mode.Mode(),
		ControlProven: s.mode.ControlProven(),
		PostRollback:  s.flag.IsSet(ctx),
		RecoveryState: s.recovery.State().String(),
	}

	run, err := s.images.RunningSlot()
	if err != nil {
		return models.DeviceStatus{}, fmt.Errorf("running slot: %w", err)
	}
	st.RunningSlot = run
	if img, err := s.images.ImageState(run); err == nil {
		st.ImageState = img
	}

	snap := s.monitor.Snapshot()
	st.FailureStreak = snap.Streak
	st.MonitorLatched = snap.Done

	if rec, ok := s.alerts.Latest(); ok {
		st.LatestAlert = &rec
	}
	return st, nil
}
