// Package platform declares the device primitives the update-resilience core
// runs on: application slots, the boot target and restart.
package platform

import (
	"errors"

	"lifeboat/internal/models"
)

var (
	ErrNoUpdateSlot     = errors.New("no update slot")
	ErrImageTooLarge    = errors.New("image larger than slot")
	ErrFlashBusy        = errors.New("flash writer already open")
	ErrNoRollbackTarget = errors.New("no valid image to roll back to")
	ErrUnknownSlot      = errors.New("unknown slot")
)

// FlashWriter streams one image into a slot. Commit makes the image bootable,
// Abort discards it. Exactly one of them must be called.
type FlashWriter interface {
	Write(p []byte) (int, error)
	Commit() error
	Abort() error
}

// Images is the read side of the boot subsystem plus the single validation hook.
type Images interface {
	RunningSlot() (models.Slot, error)
	ImageState(slot models.Slot) (models.ImageState, error)
	MarkValidCancelRollback() error
}

// Flash is what an update session needs.
type Flash interface {
	NextUpdateSlot() (models.Slot, error)
	OpenWriter(slot models.Slot, size int64) (FlashWriter, error)
	SetBootSlot(slot models.Slot) error
}

// Rollback is what the escalation policy needs. RollbackAndReboot only
// returns when no rollback target exists or switching failed.
type Rollback interface {
	RunningSlot() (models.Slot, error)
	Slots() []models.Slot
	SetBootSlot(slot models.Slot) error
	RollbackAndReboot() error
	Restart()
}

// Restarter reboots the device. Implementations may return in tests.
type Restarter interface {
	Restart()
}

type Platform interface {
	Images
	Flash
	Rollback
}
