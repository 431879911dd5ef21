package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lifeboat/internal/health"
	"lifeboat/internal/models"
)

type stubRecovery struct {
	enables  atomic.Int32
	disables atomic.Int32
}

func (r *stubRecovery) Enable() error { r.enables.Add(1); return nil }
func (r *stubRecovery) Disable()      { r.disables.Add(1) }

type stubMonitor struct {
	mu        sync.Mutex
	signals   []models.Signal
	controlOK []string
	rearms    int
}

func (m *stubMonitor) OnSignal(s models.Signal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
	return true
}

func (m *stubMonitor) ControlOK(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlOK = append(m.controlOK, source)
}

func (m *stubMonitor) Rearm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rearms++
}

type stubImages struct {
	mu         sync.Mutex
	running    models.Slot
	state      models.ImageState
	markValids int
	rbCalls    int
}

func (i *stubImages) RunningSlot() (models.Slot, error) { return i.running, nil }

func (i *stubImages) ImageState(models.Slot) (models.ImageState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, nil
}

func (i *stubImages) MarkValidCancelRollback() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.markValids++
	i.state = models.ImageValid
	return nil
}

// Rollback side, used when the real health monitor is wired in.
func (i *stubImages) Slots() []models.Slot          { return []models.Slot{i.running} }
func (i *stubImages) SetBootSlot(models.Slot) error { return errors.New("no other slot") }
func (i *stubImages) Restart()                      {}
func (i *stubImages) RollbackAndReboot() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rbCalls++
	return errors.New("no rollback target")
}

type memFlag struct {
	mu sync.Mutex
	on bool
}

func (f *memFlag) IsSet(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func (f *memFlag) Set(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = on
	return nil
}

type stubAlerts struct {
	mu    sync.Mutex
	codes []models.AlertCode
}

func (a *stubAlerts) Raise(_ context.Context, code models.AlertCode, _ string) models.AlertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codes = append(a.codes, code)
	return models.AlertRecord{Code: code}
}

func (a *stubAlerts) count(code models.AlertCode) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.codes {
		if c == code {
			n++
		}
	}
	return n
}

var ota0 = models.Slot{Label: "ota_0", Kind: models.SlotUpdate}

type rig struct {
	rec    *stubRecovery
	mon    *stubMonitor
	images *stubImages
	flag   *memFlag
	alerts *stubAlerts
	esc    chan health.Escalation
	c      *Coordinator
}

func newRig(t *testing.T, running models.Slot, state models.ImageState) *rig {
	t.Helper()
	r := &rig{
		rec:    &stubRecovery{},
		mon:    &stubMonitor{},
		images: &stubImages{running: running, state: state},
		flag:   &memFlag{},
		alerts: &stubAlerts{},
		esc:    NewEscalationQueue(),
	}
	r.c = New(r.rec, r.mon, r.images, r.flag, r.alerts, r.esc)
	if err := r.c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r
}

// drain applies everything queued so far on the calling goroutine.
func (r *rig) drain() {
	for {
		select {
		case ev := <-r.esc:
			r.c.escalate(context.Background(), ev)
		default:
			return
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestInitEntersWaitControl(t *testing.T) {
	r := newRig(t, ota0, models.ImagePendingVerify)
	if r.c.Mode() != models.ModeWaitControl {
		t.Fatalf("mode %v", r.c.Mode())
	}
	if r.rec.disables.Load() != 1 {
		t.Fatalf("recovery disables %d", r.rec.disables.Load())
	}
	if err := r.c.Init(context.Background()); err == nil {
		t.Fatal("second Init must fail")
	}
}

func TestInitClearsFlagOnlyOnGolden(t *testing.T) {
	golden := models.Slot{Label: "factory", Kind: models.SlotFactory}

	r := &rig{rec: &stubRecovery{}, mon: &stubMonitor{}, images: &stubImages{running: golden}, flag: &memFlag{on: true}, alerts: &stubAlerts{}}
	c := New(r.rec, r.mon, r.images, r.flag, r.alerts, NewEscalationQueue())
	_ = c.Init(context.Background())
	if r.flag.on {
		t.Fatal("flag must be cleared on golden image")
	}

	r.images.running = ota0
	r.flag.on = true
	c = New(r.rec, r.mon, r.images, r.flag, r.alerts, NewEscalationQueue())
	_ = c.Init(context.Background())
	if !r.flag.on {
		t.Fatal("flag must survive on an update slot")
	}
}

func TestPrimaryAuthPromotesAndValidates(t *testing.T) {
	r := newRig(t, ota0, models.ImagePendingVerify)
	r.flag.on = true

	if err := r.c.PrimaryLink().Authenticated(context.Background()); err != nil {
		t.Fatalf("Authenticated: %v", err)
	}
	if r.c.Mode() != models.ModeNormal {
		t.Fatalf("mode %v", r.c.Mode())
	}
	if r.images.markValids != 1 {
		t.Fatalf("mark valid calls %d", r.images.markValids)
	}
	if r.flag.on {
		t.Fatal("rollback flag must be cleared in Normal")
	}
	if len(r.mon.controlOK) != 1 || r.mon.controlOK[0] != "TCP" {
		t.Fatalf("monitor control ok %v", r.mon.controlOK)
	}
	if r.rec.disables.Load() != 2 {
		t.Fatalf("recovery disables %d", r.rec.disables.Load())
	}
}

func TestValidImageNotMarkedAgain(t *testing.T) {
	r := newRig(t, ota0, models.ImageValid)
	_ = r.c.PrimaryLink().Authenticated(context.Background())
	if r.images.markValids != 0 {
		t.Fatalf("mark valid calls %d", r.images.markValids)
	}
}

func TestNonPrimarySourceNeverPromotes(t *testing.T) {
	sources := []string{"recovery", "BLE", "BLE-OTA", "tcp", ""}
	modes := []models.Mode{models.ModeStartup, models.ModeWaitControl, models.ModeNormal, models.ModeRecovery}
	for _, m := range modes {
		for _, src := range sources {
			r := newRig(t, ota0, models.ImagePendingVerify)
			r.c.proof.Store(true)
			r.c.mode.Store(int32(m))

			err := r.c.ControlPathOk(context.Background(), src)
			if !errors.Is(err, ErrControlPathRejected) {
				t.Fatalf("%v/%q: want rejection, got %v", m, src, err)
			}
			if r.c.Mode() != m {
				t.Fatalf("%v/%q: mode changed to %v", m, src, r.c.Mode())
			}
			if r.images.markValids != 0 {
				t.Fatalf("%v/%q: image marked valid", m, src)
			}
		}
	}
}

func TestPrimaryWithoutProofRejected(t *testing.T) {
	r := newRig(t, ota0, models.ImagePendingVerify)
	if err := r.c.ControlPathOk(context.Background(), PrimarySource); !errors.Is(err, ErrControlPathRejected) {
		t.Fatalf("want rejection, got %v", err)
	}
	if r.c.Mode() != models.ModeWaitControl || r.images.markValids != 0 {
		t.Fatalf("mode %v markValids %d", r.c.Mode(), r.images.markValids)
	}
}

func TestRepeatedTransitionsHaveNoSideEffects(t *testing.T) {
	r := newRig(t, ota0, models.ImagePendingVerify)
	link := r.c.PrimaryLink()
	ctx := context.Background()

	_ = link.Authenticated(ctx)
	_ = link.Authenticated(ctx)
	if r.images.markValids != 1 || len(r.mon.controlOK) != 1 {
		t.Fatalf("markValids=%d controlOK=%v", r.images.markValids, r.mon.controlOK)
	}

	link.ConnectivityChanged(false)
	link.ConnectivityChanged(false)
	if r.mon.rearms != 1 {
		t.Fatalf("rearms %d", r.mon.rearms)
	}

	_ = r.c.EscalateManually()
	_ = r.c.EscalateManually()
	r.drain()
	if r.rec.enables.Load() != 1 {
		t.Fatalf("recovery enables %d", r.rec.enables.Load())
	}
	if r.alerts.count(models.AlertBLEFatal) != 1 {
		t.Fatalf("fatal alerts %d", r.alerts.count(models.AlertBLEFatal))
	}
}

func TestConnectivityLossReturnsToWaitControl(t *testing.T) {
	r := newRig(t, ota0, models.ImageValid)
	link := r.c.PrimaryLink()
	_ = link.Authenticated(context.Background())
	disables := r.rec.disables.Load()

	link.ConnectivityChanged(false)

	if r.c.Mode() != models.ModeWaitControl {
		t.Fatalf("mode %v", r.c.Mode())
	}
	if r.c.ControlProven() {
		t.Fatal("proof must be cleared")
	}
	if r.rec.disables.Load() != disables+1 || r.mon.rearms != 1 {
		t.Fatalf("disables=%d rearms=%d", r.rec.disables.Load(), r.mon.rearms)
	}
	if err := r.c.ControlPathOk(context.Background(), PrimarySource); !errors.Is(err, ErrControlPathRejected) {
		t.Fatalf("stale proof accepted: %v", err)
	}
}

func TestConnectivitySignalsReachMonitor(t *testing.T) {
	r := newRig(t, ota0, models.ImageValid)
	link := r.c.PrimaryLink()
	link.ConnectivityChanged(true)
	link.ConnectivityError(models.SignalNoAccessPoint)

	want := []models.Signal{models.SignalHealthy, models.SignalNoAccessPoint}
	if len(r.mon.signals) != 2 || r.mon.signals[0] != want[0] || r.mon.signals[1] != want[1] {
		t.Fatalf("signals %v", r.mon.signals)
	}
}

func TestEscalationIgnoredInNormal(t *testing.T) {
	r := newRig(t, ota0, models.ImageValid)
	_ = r.c.PrimaryLink().Authenticated(context.Background())
	_ = r.c.EscalateManually()
	r.drain()
	if r.c.Mode() != models.ModeNormal || r.rec.enables.Load() != 0 {
		t.Fatalf("mode %v enables %d", r.c.Mode(), r.rec.enables.Load())
	}
}

func TestRecoveryIsTerminal(t *testing.T) {
	r := newRig(t, ota0, models.ImageValid)
	_ = r.c.EscalateManually()
	r.drain()
	if r.c.Mode() != models.ModeRecovery {
		t.Fatalf("mode %v", r.c.Mode())
	}

	if err := r.c.PrimaryLink().Authenticated(context.Background()); !errors.Is(err, ErrControlPathRejected) {
		t.Fatalf("want rejection, got %v", err)
	}
	r.c.PrimaryLink().ConnectivityChanged(false)
	if r.c.Mode() != models.ModeRecovery {
		t.Fatalf("mode %v", r.c.Mode())
	}
}

func TestEscalationQueueBounded(t *testing.T) {
	r := newRig(t, ota0, models.ImageValid)
	for i := 0; i < EscalationQueueLen; i++ {
		if err := r.c.EscalateManually(); err != nil {
			t.Fatalf("escalation %d: %v", i, err)
		}
	}
	if err := r.c.EscalateManually(); !errors.Is(err, ErrEscalationQueueFull) {
		t.Fatalf("want ErrEscalationQueueFull, got %v", err)
	}
}

func TestTwoFailuresOnValidImageOpenRecovery(t *testing.T) {
	images := &stubImages{running: ota0, state: models.ImageValid}
	rec := &stubRecovery{}
	alerts := &stubAlerts{}
	esc := NewEscalationQueue()
	mon := health.NewMonitor(images, images, &memFlag{}, alerts, esc)
	c := New(rec, mon, images, &memFlag{}, alerts, esc)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)
	go c.Run(ctx)

	link := c.PrimaryLink()
	link.ConnectivityError(models.SignalIPLost)
	link.ConnectivityError(models.SignalIPLost)

	waitFor(t, func() bool { return c.Mode() == models.ModeRecovery })
	waitFor(t, func() bool { return rec.enables.Load() == 1 })
	images.mu.Lock()
	defer images.mu.Unlock()
	if images.rbCalls != 0 {
		t.Fatalf("rollback attempted %d times", images.rbCalls)
	}
}

func TestOneFailureKeepsRecoveryClosed(t *testing.T) {
	images := &stubImages{running: ota0, state: models.ImageValid}
	rec := &stubRecovery{}
	esc := NewEscalationQueue()
	mon := health.NewMonitor(images, images, &memFlag{}, &stubAlerts{}, esc)
	c := New(rec, mon, images, &memFlag{}, &stubAlerts{}, esc)
	_ = c.Init(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)
	go c.Run(ctx)

	c.PrimaryLink().ConnectivityError(models.SignalDisconnected)
	waitFor(t, func() bool { return mon.Snapshot().Streak == 1 })
	time.Sleep(20 * time.Millisecond)

	if c.Mode() != models.ModeWaitControl || rec.enables.Load() != 0 {
		t.Fatalf("mode %v enables %d", c.Mode(), rec.enables.Load())
	}
}
