// Package recovery drives the lifeboat radio: advertising only while enabled
// and idle, every radio call made from one worker goroutine.
package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lifeboat/internal/logger"

	"github.com/google/uuid"
)

const (
	queueLen        = 8
	defaultWatchdog = 2 * time.Second
)

var ErrQueueFull = errors.New("recovery: command queue full")

type State int32

const (
	StateDisabled State = iota
	StateReady
	StateAdvertising
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateReady:
		return "READY"
	case StateAdvertising:
		return "ADVERTISING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type EventKind int

const (
	EventAdvConfigured EventKind = iota
	EventAdvStarted
	EventAdvStopped
	EventConnected
	EventDisconnected
	EventSecurityRequest
)

// Event is a radio stack notification. OK is meaningful for EventAdvStarted.
type Event struct {
	Kind EventKind
	OK   bool
	Peer string
}

// Radio is the short-range radio stack. Events may be delivered from any goroutine.
type Radio interface {
	Init(events func(Event)) error
	ConfigureAdvertisement(name string, service uuid.UUID) error
	StartAdvertising() error
	StopAdvertising() error
	Advertising() bool
	RespondSecurity(peer string, accept bool) error
}

// ConnObserver hears about link teardown so it can close any open transfer.
type ConnObserver interface {
	OnDisconnect()
}

type cmdKind int

const (
	cmdEnable cmdKind = iota
	cmdDisable
	cmdEvent
)

type command struct {
	kind cmdKind
	ev   Event
}

type Controller struct {
	radio    Radio
	name     string
	service  uuid.UUID
	watchdog time.Duration
	log      *logger.Logger

	cmds  chan command
	state atomic.Int32

	obsMu     sync.Mutex
	observers []ConnObserver

	// set when a disconnect could not be queued; observers were already told
	lostLink atomic.Bool

	// worker-confined
	initialized   bool
	enabled       bool
	advConfigured bool
	pendingStart  bool
	connected     bool
}

type Option func(*Controller)

func WithWatchdog(d time.Duration) Option { return func(c *Controller) { c.watchdog = d } }

func WithLogger(l *logger.Logger) Option { return func(c *Controller) { c.log = l } }

func NewController(radio Radio, name string, service uuid.UUID, opts ...Option) *Controller {
	c := &Controller{
		radio:    radio,
		name:     name,
		service:  service,
		watchdog: defaultWatchdog,
		log:      logger.Nop(),
		cmds:     make(chan command, queueLen),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) AddObserver(o ConnObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Enable asks the worker to bring the radio up and advertise.
func (c *Controller) Enable() error {
	return c.post(command{kind: cmdEnable})
}

// Disable stops advertising. Safe to call when never enabled.
func (c *Controller) Disable() {
	if err := c.post(command{kind: cmdDisable}); err != nil {
		c.log.Errorw("disable not queued", "err", err)
	}
}

// onRadioEvent never blocks: events may arrive on the worker itself. A
// disconnect that does not fit the queue still reaches the observers at once,
// and the worker catches up on the link state after its next command.
func (c *Controller) onRadioEvent(ev Event) {
	err := c.post(command{kind: cmdEvent, ev: ev})
	if err == nil {
		return
	}
	if ev.Kind == EventDisconnected {
		c.log.Warnw("queue full, closing transfers on disconnect directly", "peer", ev.Peer)
		c.notifyDisconnect()
		c.lostLink.Store(true)
		return
	}
	c.log.Errorw("radio event dropped", "kind", int(ev.Kind), "err", err)
}

func (c *Controller) post(cmd command) error {
	select {
	case c.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run is the radio worker. It returns when ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	t := time.NewTicker(c.watchdog)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			c.handle(cmd)
			c.catchUpLostLink()
		case <-t.C:
			c.catchUpLostLink()
			c.checkAdvertising()
		}
	}
}

func (c *Controller) handle(cmd command) {
	switch cmd.kind {
	case cmdEnable:
		c.enable()
	case cmdDisable:
		c.disable()
	case cmdEvent:
		c.onEvent(cmd.ev)
	}
}

func (c *Controller) enable() {
	if c.enabled {
		return
	}
	if !c.initialized {
		if err := c.radio.Init(c.onRadioEvent); err != nil {
			c.log.Errorw("radio init failed", "err", err)
			return
		}
		c.initialized = true
		// the payload is configured once per bring-up
		if err := c.radio.ConfigureAdvertisement(c.name, c.service); err != nil {
			c.log.Errorw("advertisement config failed", "err", err)
		}
	}
	c.enabled = true
	c.setState(StateReady)
	c.log.Infow("lifeboat enabled", "name", c.name)
	c.startAdvertising()
}

func (c *Controller) disable() {
	if !c.enabled {
		return
	}
	c.enabled = false
	c.pendingStart = false
	if c.radio.Advertising() {
		if err := c.radio.StopAdvertising(); err != nil {
			c.log.Warnw("stop advertising failed", "err", err)
		}
	}
	c.setState(StateDisabled)
	c.log.Infow("lifeboat disabled")
}

func (c *Controller) startAdvertising() {
	if !c.enabled || c.connected {
		return
	}
	if !c.advConfigured {
		c.pendingStart = true
		return
	}
	if c.radio.Advertising() {
		return
	}
	if err := c.radio.StartAdvertising(); err != nil {
		c.log.Errorw("start advertising failed", "err", err)
	}
}

func (c *Controller) onEvent(ev Event) {
	switch ev.Kind {
	case EventAdvConfigured:
		c.advConfigured = true
		if c.pendingStart {
			c.pendingStart = false
			c.startAdvertising()
		}
	case EventAdvStarted:
		if !ev.OK {
			c.log.Errorw("advertising failed to start")
			return
		}
		if !c.enabled {
			_ = c.radio.StopAdvertising()
			return
		}
		c.setState(StateAdvertising)
		c.log.Infow("advertising")
	case EventAdvStopped:
		if c.enabled && !c.connected {
			c.setState(StateReady)
			c.startAdvertising()
		}
	case EventConnected:
		c.connected = true
		c.setState(StateConnected)
		c.log.Infow("peer connected", "peer", ev.Peer)
	case EventDisconnected:
		c.log.Infow("peer disconnected", "peer", ev.Peer)
		c.notifyDisconnect()
		c.linkDown()
	case EventSecurityRequest:
		c.log.Warnw("rejecting pairing request", "peer", ev.Peer)
		if err := c.radio.RespondSecurity(ev.Peer, false); err != nil {
			c.log.Warnw("security reply failed", "err", err)
		}
	}
}

func (c *Controller) linkDown() {
	c.connected = false
	if c.enabled {
		c.setState(StateReady)
		c.startAdvertising()
	} else {
		c.setState(StateDisabled)
	}
}

func (c *Controller) catchUpLostLink() {
	if c.lostLink.CompareAndSwap(true, false) {
		c.linkDown()
	}
}

// checkAdvertising re-requests advertising when the radio dropped it silently.
func (c *Controller) checkAdvertising() {
	if !c.enabled || c.connected || !c.advConfigured {
		return
	}
	if !c.radio.Advertising() {
		c.log.Warnw("watchdog: advertising stopped while idle, restarting")
		c.setState(StateReady)
		c.startAdvertising()
	}
}

func (c *Controller) notifyDisconnect() {
	c.obsMu.Lock()
	obs := append([]ConnObserver(nil), c.observers...)
	c.obsMu.Unlock()
	for _, o := range obs {
		o.OnDisconnect()
	}
}

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }
