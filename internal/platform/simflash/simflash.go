// Package simflash is a host-side flash: one file per application slot plus
// an otadata.json holding the boot target and per-slot image state. Opening
// it applies the bootloader's verification rules, so each Open is one boot.
package simflash

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lifeboat/internal/logger"
	"lifeboat/internal/models"
	"lifeboat/internal/platform"
)

const (
	FactoryLabel = "factory"
	metaFile     = "otadata.json"
)

var errWriterClosed = errors.New("flash writer closed")

type otaData struct {
	Boot     string                       `json:"boot"`
	Previous string                       `json:"previous,omitempty"`
	States   map[string]models.ImageState `json:"states"`
}

type Flash struct {
	mu      sync.Mutex
	dir     string
	slots   []models.Slot
	meta    otaData
	running models.Slot
	writing bool
	restart func()
	log     *logger.Logger
}

var _ platform.Platform = (*Flash)(nil)

type Option func(*Flash)

// WithRestart sets what Restart does. Without it Restart only logs.
func WithRestart(fn func()) Option { return func(f *Flash) { f.restart = fn } }

func WithLogger(l *logger.Logger) Option { return func(f *Flash) { f.log = l } }

// Open loads (or formats) the flash directory and boots it.
func Open(dir string, slotSize int64, opts ...Option) (*Flash, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("simflash: slot size must be positive, got %d", slotSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("simflash: %w", err)
	}

	f := &Flash{
		dir: dir,
		slots: []models.Slot{
			{Label: FactoryLabel, Kind: models.SlotFactory, Index: 0, Size: slotSize},
			{Label: "ota_0", Kind: models.SlotUpdate, Index: 0, Size: slotSize},
			{Label: "ota_1", Kind: models.SlotUpdate, Index: 1, Size: slotSize},
		},
		log: logger.Nop(),
	}
	for _, o := range opts {
		o(f)
	}

	// The golden image always exists, even if empty.
	factory := f.imagePath(FactoryLabel)
	if _, err := os.Stat(factory); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(factory, nil, 0o644); err != nil {
			return nil, fmt.Errorf("simflash: %w", err)
		}
	}

	if err := f.load(); err != nil {
		return nil, err
	}
	if err := f.boot(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Flash) imagePath(label string) string { return filepath.Join(f.dir, label+".bin") }

func (f *Flash) load() error {
	raw, err := os.ReadFile(filepath.Join(f.dir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		f.meta = otaData{Boot: FactoryLabel, States: map[string]models.ImageState{}}
		return nil
	}
	if err != nil {
		return fmt.Errorf("simflash: read otadata: %w", err)
	}
	if err := json.Unmarshal(raw, &f.meta); err != nil {
		return fmt.Errorf("simflash: decode otadata: %w", err)
	}
	if f.meta.States == nil {
		f.meta.States = map[string]models.ImageState{}
	}
	return nil
}

func (f *Flash) save() error {
	raw, err := json.MarshalIndent(f.meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(f.dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("simflash: write otadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(f.dir, metaFile))
}

func (f *Flash) slot(label string) (models.Slot, bool) {
	for _, s := range f.slots {
		if s.Label == label {
			return s, true
		}
	}
	return models.Slot{}, false
}

func (f *Flash) hasImage(label string) bool {
	_, err := os.Stat(f.imagePath(label))
	return err == nil
}

// boot picks the slot to run the way the bootloader does: a New image gets
// one trial boot, a trial image booted again without being validated is aborted.
func (f *Flash) boot() error {
	target, ok := f.slot(f.meta.Boot)
	if !ok || !f.hasImage(target.Label) {
		target = f.slots[0]
	}

	running := target
	if !target.Golden() {
		switch f.meta.States[target.Label] {
		case models.ImageNew:
			f.meta.States[target.Label] = models.ImagePendingVerify
		case models.ImagePendingVerify:
			f.meta.States[target.Label] = models.ImageAborted
			running = f.fallback(target.Label)
		case models.ImageInvalid, models.ImageAborted:
			running = f.fallback(target.Label)
		}
	}

	f.running = running
	f.meta.Boot = running.Label
	f.log.Infow("boot", "slot", running.Label, "state", f.meta.States[running.Label].String())
	return f.save()
}

func (f *Flash) fallback(from string) models.Slot {
	if prev, ok := f.slot(f.meta.Previous); ok && prev.Label != from && f.hasImage(prev.Label) {
		if prev.Golden() || f.meta.States[prev.Label] == models.ImageValid {
			return prev
		}
	}
	return f.slots[0]
}

func (f *Flash) Slots() []models.Slot {
	out := make([]models.Slot, len(f.slots))
	copy(out, f.slots)
	return out
}

func (f *Flash) RunningSlot() (models.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

// ImageState reports Undefined for the factory slot, which is never verified.
func (f *Flash) ImageState(slot models.Slot) (models.ImageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slot(slot.Label)
	if !ok {
		return models.ImageUndefined, platform.ErrUnknownSlot
	}
	if s.Golden() {
		return models.ImageUndefined, nil
	}
	return f.meta.States[s.Label], nil
}

// NextUpdateSlot is the update slot that is not running.
func (f *Flash) NextUpdateSlot() (models.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.slots {
		if !s.Golden() && s.Label != f.running.Label {
			return s, nil
		}
	}
	return models.Slot{}, platform.ErrNoUpdateSlot
}

func (f *Flash) OpenWriter(slot models.Slot, size int64) (platform.FlashWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writing {
		return nil, platform.ErrFlashBusy
	}
	s, ok := f.slot(slot.Label)
	if !ok || s.Golden() {
		return nil, platform.ErrNoUpdateSlot
	}
	if s.Label == f.running.Label {
		return nil, fmt.Errorf("simflash: %s is running: %w", s.Label, platform.ErrFlashBusy)
	}
	if size > s.Size {
		return nil, platform.ErrImageTooLarge
	}

	part := f.imagePath(s.Label) + ".part"
	fh, err := os.Create(part)
	if err != nil {
		return nil, fmt.Errorf("simflash: erase %s: %w", s.Label, err)
	}
	f.writing = true
	return &writer{flash: f, slot: s, file: fh, path: part, limit: s.Size}, nil
}

func (f *Flash) SetBootSlot(slot models.Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.slot(slot.Label)
	if !ok || !f.hasImage(s.Label) {
		return platform.ErrUnknownSlot
	}
	f.meta.Previous = f.running.Label
	f.meta.Boot = s.Label
	if !s.Golden() {
		f.meta.States[s.Label] = models.ImageNew
	}
	return f.save()
}

func (f *Flash) MarkValidCancelRollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running.Golden() || !f.meta.States[f.running.Label].Unverified() {
		return nil
	}
	f.meta.States[f.running.Label] = models.ImageValid
	return f.save()
}

// RollbackAndReboot marks the running image invalid and boots a valid update
// slot. The factory image is not a candidate here.
func (f *Flash) RollbackAndReboot() error {
	f.mu.Lock()
	if f.running.Golden() {
		f.mu.Unlock()
		return platform.ErrNoRollbackTarget
	}

	var target models.Slot
	for _, s := range f.slots {
		if s.Golden() || s.Label == f.running.Label {
			continue
		}
		if f.meta.States[s.Label] == models.ImageValid && f.hasImage(s.Label) {
			target = s
			break
		}
	}
	if target.IsZero() {
		f.mu.Unlock()
		return platform.ErrNoRollbackTarget
	}

	f.meta.States[f.running.Label] = models.ImageInvalid
	f.meta.Previous = f.running.Label
	f.meta.Boot = target.Label
	err := f.save()
	f.mu.Unlock()
	if err != nil {
		return err
	}

	f.Restart()
	return nil
}

func (f *Flash) Restart() {
	f.log.Warnw("restart requested", "boot", f.bootTarget())
	if f.restart != nil {
		f.restart()
	}
}

func (f *Flash) bootTarget() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta.Boot
}

type writer struct {
	flash   *Flash
	slot    models.Slot
	file    *os.File
	path    string
	limit   int64
	written int64
	done    bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errWriterClosed
	}
	if w.written+int64(len(p)) > w.limit {
		return 0, platform.ErrImageTooLarge
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *writer) Commit() error {
	if w.done {
		return errWriterClosed
	}
	w.done = true
	defer w.release()

	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.path)
		return fmt.Errorf("simflash: close %s: %w", w.slot.Label, err)
	}
	if err := os.Rename(w.path, w.flash.imagePath(w.slot.Label)); err != nil {
		return fmt.Errorf("simflash: commit %s: %w", w.slot.Label, err)
	}

	w.flash.mu.Lock()
	defer w.flash.mu.Unlock()
	delete(w.flash.meta.States, w.slot.Label)
	return w.flash.save()
}

// Abort is idempotent.
func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.release()
	_ = w.file.Close()
	return os.Remove(w.path)
}

func (w *writer) release() {
	w.flash.mu.Lock()
	w.flash.writing = false
	w.flash.mu.Unlock()
}
