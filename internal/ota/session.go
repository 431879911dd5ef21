// Package ota writes firmware images into the next update slot and carries
// the two wire protocols that feed it.
package ota

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"lifeboat/internal/logger"
	"lifeboat/internal/metrics"
	"lifeboat/internal/models"
	"lifeboat/internal/platform"

	"github.com/google/uuid"
)

var (
	ErrAlreadyActive    = errors.New("ota: session already active")
	ErrNotFound         = errors.New("ota: no destination slot")
	ErrTooLarge         = errors.New("ota: image too large for slot")
	ErrInvalidSize      = errors.New("ota: image size must be positive")
	ErrInvalidState     = errors.New("ota: no active session")
	ErrOverflow         = errors.New("ota: write beyond expected size")
	ErrIncomplete       = errors.New("ota: image incomplete")
	ErrChecksumMismatch = errors.New("ota: checksum mismatch")
)

// yieldEvery is how many bytes may be written between scheduler yields.
const yieldEvery = 64 * 1024

// Progress is a copy of the session counters.
type Progress struct {
	ID       string
	Source   string
	Slot     models.Slot
	Active   bool
	Expected int64
	Written  int64
	CRC      uint32
}

// Session is one begin/write/finish cycle at a time over the flash primitive.
// It never marks an image valid; a finished image boots on trial.
type Session struct {
	flash   platform.Flash
	yield   func()
	log     *logger.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	active      bool
	id          string
	slot        models.Slot
	w           platform.FlashWriter
	expected    int64
	written     int64
	crcExpected uint32
	crc         uint32
	source      string
	sinceYield  int
}

type SessionOption func(*Session)

// WithYield replaces runtime.Gosched as the cooperative yield.
func WithYield(fn func()) SessionOption { return func(s *Session) { s.yield = fn } }

func WithSessionLogger(l *logger.Logger) SessionOption { return func(s *Session) { s.log = l } }

func WithSessionMetrics(m *metrics.Collector) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func NewSession(flash platform.Flash, opts ...SessionOption) *Session {
	s := &Session{flash: flash, yield: runtime.Gosched, log: logger.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Begin opens the next update slot for an image of total bytes. crc == 0
// skips the checksum comparison in Finish.
func (s *Session) Begin(total int64, crc uint32, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		s.log.Warnw("begin rejected: session active", "source", source, "active_source", s.source)
		return ErrAlreadyActive
	}
	if total <= 0 {
		return ErrInvalidSize
	}

	slot, err := s.flash.NextUpdateSlot()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if total > slot.Size {
		s.log.Errorw("image too large", "size", total, "slot", slot.Label, "capacity", slot.Size)
		return ErrTooLarge
	}

	w, err := s.flash.OpenWriter(slot, total)
	if err != nil {
		if errors.Is(err, platform.ErrImageTooLarge) {
			return ErrTooLarge
		}
		return fmt.Errorf("ota: open %s: %w", slot.Label, err)
	}

	if source == "" {
		source = "XPORT"
	}
	s.active = true
	s.id = uuid.NewString()
	s.slot = slot
	s.w = w
	s.expected = total
	s.written = 0
	s.crcExpected = crc
	s.crc = 0
	s.source = source
	s.sinceYield = 0

	s.log.Infow("session begin", "id", s.id, "source", source, "size", total, "slot", slot.Label, "crc", fmt.Sprintf("%08x", crc))
	return nil
}

// Write appends p. An overflowing write changes nothing.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return ErrInvalidState
	}
	if s.written+int64(len(p)) > s.expected {
		s.log.Errorw("write overflow", "id", s.id, "written", s.written, "len", len(p), "expected", s.expected)
		return ErrOverflow
	}
	if len(p) == 0 {
		return nil
	}

	n, err := s.w.Write(p)
	if n > 0 {
		s.crc = UpdateCRC(s.crc, p[:n])
		s.written += int64(n)
		s.metrics.OTABytes(s.source, n)
	}
	if err != nil {
		return fmt.Errorf("ota: flash write: %w", err)
	}

	s.sinceYield += n
	if s.sinceYield >= yieldEvery {
		s.sinceYield %= yieldEvery
		s.yield()
	}
	return nil
}

// Finish commits the image and points the boot target at it. Every failure
// leaves the session closed and the partial image discarded.
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return ErrInvalidState
	}
	if s.written != s.expected {
		s.log.Errorw("finish: short image", "id", s.id, "written", s.written, "expected", s.expected)
		s.abortLocked("incomplete")
		return ErrIncomplete
	}
	if s.crcExpected != 0 && s.crc != s.crcExpected {
		s.log.Errorw("finish: crc mismatch", "id", s.id,
			"calc", fmt.Sprintf("%08x", s.crc), "expect", fmt.Sprintf("%08x", s.crcExpected))
		err := fmt.Errorf("%w: calc %08x expect %08x", ErrChecksumMismatch, s.crc, s.crcExpected)
		s.abortLocked("crc")
		return err
	}

	source, slot := s.source, s.slot
	if err := s.w.Commit(); err != nil {
		s.clear()
		s.metrics.OTASession(source, "failed")
		return fmt.Errorf("ota: commit %s: %w", slot.Label, err)
	}
	if err := s.flash.SetBootSlot(slot); err != nil {
		s.clear()
		s.metrics.OTASession(source, "failed")
		return fmt.Errorf("ota: set boot %s: %w", slot.Label, err)
	}

	s.log.Infow("session finished", "id", s.id, "source", source, "bytes", s.written, "slot", slot.Label)
	s.metrics.OTASession(source, "ok")
	s.clear()
	return nil
}

// Abort discards the partial image. It is a no-op without an active session.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.abortLocked(reason)
	}
}

func (s *Session) abortLocked(reason string) {
	s.log.Warnw("session abort", "id", s.id, "source", s.source, "reason", reason, "written", s.written)
	if err := s.w.Abort(); err != nil {
		s.log.Warnw("discard partial image", "id", s.id, "err", err)
	}
	s.metrics.OTASession(s.source, "aborted")
	s.clear()
}

func (s *Session) clear() {
	s.active = false
	s.w = nil
	s.id = ""
	s.slot = models.Slot{}
	s.expected, s.written = 0, 0
	s.crcExpected, s.crc = 0, 0
	s.source = ""
	s.sinceYield = 0
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{
		ID:       s.id,
		Source:   s.source,
		Slot:     s.slot,
		Active:   s.active,
		Expected: s.expected,
		Written:  s.written,
		CRC:      s.crc,
	}
}
