// Package coordinator owns the device mode: it promotes to Normal only on
// proof from the primary transport and drops into Recovery on escalation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"lifeboat/internal/health"
	"lifeboat/internal/logger"
	"lifeboat/internal/metrics"
	"lifeboat/internal/models"
	"lifeboat/internal/platform"
)

// PrimarySource is the only source label allowed to prove the control path.
const PrimarySource = "TCP"

// EscalationQueueLen is the depth of the queue returned by NewEscalationQueue.
const EscalationQueueLen = 4

var (
	ErrControlPathRejected = errors.New("control path rejected")
	ErrEscalationQueueFull = errors.New("escalation queue full")
)

// RecoveryChannel is the lifeboat radio as the coordinator sees it.
type RecoveryChannel interface {
	Enable() error
	Disable()
}

type HealthMonitor interface {
	OnSignal(sig models.Signal) bool
	ControlOK(source string)
	Rearm()
}

func NewEscalationQueue() chan health.Escalation {
	return make(chan health.Escalation, EscalationQueueLen)
}

type Coordinator struct {
	mode  atomic.Int32
	proof atomic.Bool

	recovery    RecoveryChannel
	monitor     HealthMonitor
	images      platform.Images
	flag        health.RollbackFlag
	alerts      health.AlertRaiser
	escalations chan health.Escalation
	metrics     *metrics.Collector
	log         *logger.Logger
}

type Option func(*Coordinator)

func WithLogger(l *logger.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

func New(recovery RecoveryChannel, monitor HealthMonitor, images platform.Images, flag health.RollbackFlag,
	alerts health.AlertRaiser, escalations chan health.Escalation, opts ...Option) *Coordinator {
	c := &Coordinator{
		recovery:    recovery,
		monitor:     monitor,
		images:      images,
		flag:        flag,
		alerts:      alerts,
		escalations: escalations,
		log:         logger.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Mode() models.Mode { return models.Mode(c.mode.Load()) }

// ControlProven reports the control-path proof latch.
func (c *Coordinator) ControlProven() bool { return c.proof.Load() }

// Init logs the running image, clears the rollback flag when running the
// golden image and moves Startup -> WaitControl.
func (c *Coordinator) Init(ctx context.Context) error {
	run, err := c.images.RunningSlot()
	if err != nil {
		c.log.Errorw("running slot unknown", "err", err)
	} else {
		st, _ := c.images.ImageState(run)
		c.log.Infow("running image", "slot", run.Label, "size", run.Size, "state", st.String())
		if run.Golden() {
			if err := c.flag.Set(ctx, false); err != nil {
				c.log.Warnw("rollback flag not cleared", "err", err)
			}
		}
	}

	if !c.transition(models.ModeStartup, models.ModeWaitControl) {
		return fmt.Errorf("init: already in %s", c.Mode())
	}
	c.recovery.Disable()
	return nil
}

// transition applies from -> to in one compare-and-swap. It reports false,
// with no side effects, when the current mode is not from.
func (c *Coordinator) transition(from, to models.Mode) bool {
	if !c.mode.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.metrics.ModeChanged(from, to)
	c.log.Infow("mode", "from", from.String(), "to", to.String())
	return true
}

// ControlPathOk promotes WaitControl -> Normal. Only the primary transport,
// after it has authenticated, gets through.
func (c *Coordinator) ControlPathOk(ctx context.Context, source string) error {
	if source != PrimarySource || !c.proof.Load() {
		c.log.Warnw("ignoring control path ok", "source", source, "proof", c.proof.Load())
		return ErrControlPathRejected
	}

	switch m := c.Mode(); m {
	case models.ModeNormal:
		return nil
	case models.ModeWaitControl:
	default:
		c.log.Warnw("control path ok ignored", "mode", m.String())
		return fmt.Errorf("%w: mode %s", ErrControlPathRejected, m)
	}

	if !c.transition(models.ModeWaitControl, models.ModeNormal) {
		if c.Mode() == models.ModeNormal {
			return nil
		}
		return fmt.Errorf("%w: mode %s", ErrControlPathRejected, c.Mode())
	}
	c.enterNormal(ctx, source)
	return nil
}

func (c *Coordinator) enterNormal(ctx context.Context, source string) {
	c.recovery.Disable()
	if err := c.flag.Set(ctx, false); err != nil {
		c.log.Warnw("rollback flag not cleared", "err", err)
	}

	run, err := c.images.RunningSlot()
	if err == nil {
		if st, err := c.images.ImageState(run); err == nil && st.Unverified() {
			err := c.images.MarkValidCancelRollback()
			c.log.Infow("image marked valid", "slot", run.Label, "err", err)
		}
	}
	c.monitor.ControlOK(source)
}

// EscalateManually queues an escalation as if the health monitor had raised it.
func (c *Coordinator) EscalateManually() error {
	ev := health.Escalation{Source: "manual", At: time.Now().UTC()}
	select {
	case c.escalations <- ev:
		return nil
	default:
		return ErrEscalationQueueFull
	}
}

// Run applies queued escalations until ctx is canceled. Radio bring-up and
// the fatal alert happen here, never in the caller's context.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.escalations:
			c.escalate(ctx, ev)
		}
	}
}

func (c *Coordinator) escalate(ctx context.Context, ev health.Escalation) {
	if !c.transition(models.ModeWaitControl, models.ModeRecovery) {
		c.log.Infow("escalation ignored", "source", ev.Source, "mode", c.Mode().String())
		return
	}
	if err := c.recovery.Enable(); err != nil {
		c.log.Errorw("recovery channel failed to start", "err", err)
	}
	c.alerts.Raise(ctx, models.AlertBLEFatal, "recovery mode: no control after rollback")
}

// connectivityLost clears the proof and, from Normal, falls back to WaitControl.
func (c *Coordinator) connectivityLost() {
	c.proof.Store(false)
	if !c.transition(models.ModeNormal, models.ModeWaitControl) {
		return
	}
	c.recovery.Disable()
	c.monitor.Rearm()
}

// PrimaryLink is the capability handed to the primary transport. It is the
// only way to set the control-path proof.
type PrimaryLink struct {
	c *Coordinator
}

func (c *Coordinator) PrimaryLink() PrimaryLink { return PrimaryLink{c: c} }

// Authenticated records that the transport's own authentication succeeded
// and asks for promotion to Normal.
func (l PrimaryLink) Authenticated(ctx context.Context) error {
	l.c.proof.Store(true)
	return l.c.ControlPathOk(ctx, PrimarySource)
}

func (l PrimaryLink) ConnectivityChanged(up bool) {
	if up {
		l.c.monitor.OnSignal(models.SignalHealthy)
		return
	}
	l.c.connectivityLost()
}

func (l PrimaryLink) ConnectivityError(sig models.Signal) {
	l.c.monitor.OnSignal(sig)
}
