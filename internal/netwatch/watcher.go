// Package netwatch probes the primary network path and turns the result into
// connectivity signals for the coordinator.
package netwatch

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"lifeboat/internal/logger"
	"lifeboat/internal/models"

	"github.com/cenkalti/backoff/v4"
)

var ErrNoProbeAddr = errors.New("netwatch: no probe address configured")

// Link receives connectivity reports. coordinator.PrimaryLink satisfies it.
type Link interface {
	ConnectivityChanged(up bool)
	ConnectivityError(sig models.Signal)
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type state int32

const (
	stateUnknown state = iota
	stateUp
	stateDown
)

type Watcher struct {
	addr            string
	timeout         time.Duration
	healthyInterval time.Duration
	retryInitial    time.Duration
	retryMax        time.Duration
	dial            DialFunc
	link            Link
	log             *logger.Logger

	state atomic.Int32
	last  atomic.Int32
}

type Option func(*Watcher)

func WithLogger(l *logger.Logger) Option { return func(w *Watcher) { w.log = l } }

func WithDialer(d DialFunc) Option { return func(w *Watcher) { w.dial = d } }

func WithTimeout(d time.Duration) Option { return func(w *Watcher) { w.timeout = d } }

func WithHealthyInterval(d time.Duration) Option { return func(w *Watcher) { w.healthyInterval = d } }

// WithRetry bounds the exponential backoff between failed probes.
func WithRetry(initial, maxDelay time.Duration) Option {
	return func(w *Watcher) { w.retryInitial, w.retryMax = initial, maxDelay }
}

func New(addr string, link Link, opts ...Option) *Watcher {
	w := &Watcher{
		addr:            addr,
		timeout:         3 * time.Second,
		healthyInterval: 10 * time.Second,
		retryInitial:    time.Second,
		retryMax:        30 * time.Second,
		link:            link,
		log:             logger.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.dial == nil {
		d := &net.Dialer{}
		w.dial = d.DialContext
	}
	return w
}

// LastError is the most recent failure classification, or SignalHealthy
// while the path is up.
func (w *Watcher) LastError() models.Signal { return models.Signal(w.last.Load()) }

// Up reports whether the last probe succeeded.
func (w *Watcher) Up() bool { return state(w.state.Load()) == stateUp }

// Run alternates between a slow healthy cadence and exponential backoff
// while the path is down, until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Infow("netwatch started", "addr", w.addr)
	for ctx.Err() == nil {
		if err := w.waitUp(ctx); err != nil {
			return
		}
		w.watchUp(ctx)
	}
}

func (w *Watcher) waitUp(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	b.MaxInterval = w.retryMax
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(
		func() error {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			return w.probe(ctx)
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			w.log.Debugw("probe failed", "signal", w.LastError().String(), "retry_in", next, "err", err)
		},
	)
}

func (w *Watcher) watchUp(ctx context.Context) {
	t := time.NewTicker(w.healthyInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.probe(ctx); err != nil {
				return
			}
		}
	}
}

// probe dials once and reports the outcome.
func (w *Watcher) probe(ctx context.Context) error {
	if w.addr == "" {
		w.markDown(models.SignalNoCredentials)
		return ErrNoProbeAddr
	}
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	conn, err := w.dial(pctx, "tcp", w.addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.markDown(Classify(err))
		return err
	}
	_ = conn.Close()
	w.markUp()
	return nil
}

func (w *Watcher) markUp() {
	w.last.Store(int32(models.SignalHealthy))
	if state(w.state.Swap(int32(stateUp))) == stateUp {
		return
	}
	w.log.Infow("primary path up", "addr", w.addr)
	w.link.ConnectivityChanged(true)
}

// markDown reports every failed probe; the loss itself only once per outage.
func (w *Watcher) markDown(sig models.Signal) {
	w.last.Store(int32(sig))
	if state(w.state.Swap(int32(stateDown))) != stateDown {
		w.log.Warnw("primary path down", "addr", w.addr, "signal", sig.String())
		w.link.ConnectivityChanged(false)
	}
	w.link.ConnectivityError(sig)
}

// Classify maps a dial error onto the connectivity signal set.
func Classify(err error) models.Signal {
	if err == nil {
		return models.SignalHealthy
	}
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, ErrNoProbeAddr):
		return models.SignalNoCredentials
	case errors.As(err, &dnsErr):
		return models.SignalNoAccessPoint
	case errors.Is(err, syscall.ECONNREFUSED):
		return models.SignalDisconnected
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.EADDRNOTAVAIL):
		return models.SignalIPLost
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return models.SignalAssociationExpired
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return models.SignalBeaconTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.SignalBeaconTimeout
	}
	return models.SignalDisconnected
}
