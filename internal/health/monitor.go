// Package health implements the two-strike escalation policy over primary
// connectivity signals: roll back an unverified image on the first failure,
// escalate to recovery on the second.
package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"lifeboat/internal/logger"
	"lifeboat/internal/metrics"
	"lifeboat/internal/models"
	"lifeboat/internal/platform"
)

const (
	maxStreak      = 255
	signalQueueLen = 16
	fallbackDrain  = 250 * time.Millisecond
)

// Escalation asks the coordinator to open the recovery channel.
type Escalation struct {
	Source string
	Signal models.Signal
	Streak int
	At     time.Time
}

type ImageReader interface {
	RunningSlot() (models.Slot, error)
	ImageState(slot models.Slot) (models.ImageState, error)
}

type RollbackFlag interface {
	IsSet(ctx context.Context) bool
	Set(ctx context.Context, on bool) error
}

type AlertRaiser interface {
	Raise(ctx context.Context, code models.AlertCode, detail string) models.AlertRecord
}

// Snapshot is the policy state exposed for diagnostics.
type Snapshot struct {
	Streak int  `json:"streak"`
	Done   bool `json:"done"`
}

type Monitor struct {
	images      ImageReader
	rollback    platform.Rollback
	flag        RollbackFlag
	alerts      AlertRaiser
	escalations chan<- Escalation
	metrics     *metrics.Collector
	log         *logger.Logger
	drain       time.Duration
	sleep       func(time.Duration)

	signals chan models.Signal
	streak  atomic.Int32
	done    atomic.Bool
}

type Option func(*Monitor)

func WithLogger(l *logger.Logger) Option { return func(m *Monitor) { m.log = l } }

func WithMetrics(c *metrics.Collector) Option { return func(m *Monitor) { m.metrics = c } }

// WithSleep replaces time.Sleep for the log drain before a manual fallback.
func WithSleep(fn func(time.Duration)) Option { return func(m *Monitor) { m.sleep = fn } }

func NewMonitor(images ImageReader, rb platform.Rollback, flag RollbackFlag, alerts AlertRaiser, escalations chan<- Escalation, opts ...Option) *Monitor {
	m := &Monitor{
		images:      images,
		rollback:    rb,
		flag:        flag,
		alerts:      alerts,
		escalations: escalations,
		log:         logger.Nop(),
		drain:       fallbackDrain,
		sleep:       time.Sleep,
		signals:     make(chan models.Signal, signalQueueLen),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnSignal queues a connectivity observation for the worker. It never
// blocks; a full queue drops the signal.
func (m *Monitor) OnSignal(sig models.Signal) bool {
	select {
	case m.signals <- sig:
		return true
	default:
		m.log.Warnw("signal queue full, dropping", "signal", sig.String())
		return false
	}
}

// Run processes queued signals until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-m.signals:
			m.process(ctx, sig)
		}
	}
}

func (m *Monitor) process(ctx context.Context, sig models.Signal) {
	if m.done.Load() {
		return
	}
	if !sig.Valid() {
		m.log.Warnw("unknown signal ignored", "signal", int(sig))
		return
	}

	if sig.Healthy() {
		if prev := m.streak.Swap(0); prev != 0 {
			m.log.Infow("connectivity healthy, streak reset", "was", prev)
		}
		m.metrics.Signal(sig, 0)
		return
	}

	n := m.bump()
	m.metrics.Signal(sig, n)
	m.log.Warnw("connectivity failure", "signal", sig.String(), "streak", n)

	if n == 1 {
		if !m.rollbackEligible(ctx) {
			return
		}
		if m.tryRollback(ctx, sig) {
			return
		}
		// the rollback primitive returned: nothing else can be booted
	}
	m.escalate(ctx, sig, n)
}

func (m *Monitor) bump() int {
	for {
		cur := m.streak.Load()
		next := cur
		if cur < maxStreak {
			next++
		}
		if m.streak.CompareAndSwap(cur, next) {
			return int(next)
		}
	}
}

func (m *Monitor) rollbackEligible(ctx context.Context) bool {
	run, err := m.images.RunningSlot()
	if err != nil || run.Golden() {
		return false
	}
	st, err := m.images.ImageState(run)
	if err != nil || !st.Unverified() {
		return false
	}
	if m.flag.IsSet(ctx) {
		m.log.Infow("rollback already attempted for this image", "slot", run.Label)
		return false
	}
	return true
}

// tryRollback reports whether a reboot into another image was started.
func (m *Monitor) tryRollback(ctx context.Context, sig models.Signal) bool {
	m.alerts.Raise(ctx, models.AlertRollbackExecuted, fmt.Sprintf("no control path (%s); rolling back", sig))
	if err := m.flag.Set(ctx, true); err != nil {
		m.log.Errorw("rollback flag not persisted", "err", err)
	}

	err := m.rollback.RollbackAndReboot()
	if err == nil {
		m.metrics.Rollback(true)
		return true
	}
	m.log.Warnw("rollback call returned", "err", err)

	if target, ok := m.fallbackTarget(); ok {
		m.sleep(m.drain)
		m.log.Warnw("manual fallback", "slot", target.Label)
		err := m.rollback.SetBootSlot(target)
		if err == nil {
			m.metrics.Rollback(true)
			m.rollback.Restart()
			return true
		}
		m.log.Errorw("manual fallback failed", "slot", target.Label, "err", err)
	} else {
		m.log.Errorw("manual fallback unavailable")
	}
	m.metrics.Rollback(false)
	return false
}

// fallbackTarget prefers the factory image, then the other update slot.
func (m *Monitor) fallbackTarget() (models.Slot, bool) {
	run, err := m.rollback.RunningSlot()
	if err != nil {
		return models.Slot{}, false
	}
	var other models.Slot
	for _, s := range m.rollback.Slots() {
		if s.Label == run.Label {
			continue
		}
		if s.Golden() {
			return s, true
		}
		if other.IsZero() && !run.Golden() && s.Kind == run.Kind {
			other = s
		}
	}
	return other, !other.IsZero()
}

func (m *Monitor) escalate(ctx context.Context, sig models.Signal, n int) {
	if !m.done.CompareAndSwap(false, true) {
		return
	}
	m.alerts.Raise(ctx, models.AlertTCPFatal, fmt.Sprintf("no control path after %d failures (%s)", n, sig))

	ev := Escalation{Source: "health", Signal: sig, Streak: n, At: time.Now().UTC()}
	select {
	case m.escalations <- ev:
		m.log.Warnw("escalating to recovery", "signal", sig.String(), "streak", n)
	default:
		m.log.Errorw("escalation queue full", "signal", sig.String())
	}
}

// ControlOK latches the policy for this boot: control was proven, so no
// rollback or escalation may follow.
func (m *Monitor) ControlOK(source string) {
	m.done.Store(true)
	m.streak.Store(0)
	m.metrics.Signal(models.SignalHealthy, 0)
	m.log.Infow("control ok, policy latched", "source", source)
}

// Rearm clears the latch and the streak after control is lost again.
func (m *Monitor) Rearm() {
	m.streak.Store(0)
	m.done.Store(false)
	m.log.Infow("policy re-armed")
}

func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{Streak: int(m.streak.Load()), Done: m.done.Load()}
}
