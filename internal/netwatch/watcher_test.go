package netwatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"lifeboat/internal/models"
)

type recordingLink struct {
	mu      sync.Mutex
	changes []bool
	errs    []models.Signal
}

func (l *recordingLink) ConnectivityChanged(up bool) {
	l.mu.Lock()
	l.changes = append(l.changes, up)
	l.mu.Unlock()
}

func (l *recordingLink) ConnectivityError(sig models.Signal) {
	l.mu.Lock()
	l.errs = append(l.errs, sig)
	l.mu.Unlock()
}

func (l *recordingLink) snapshot() ([]bool, []models.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.changes...), append([]models.Signal(nil), l.errs...)
}

// scriptedDialer fails with the queued errors, then succeeds.
type scriptedDialer struct {
	mu   sync.Mutex
	errs []error
}

func (d *scriptedDialer) dial(context.Context, string, string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func (d *scriptedDialer) push(errs ...error) {
	d.mu.Lock()
	d.errs = append(d.errs, errs...)
	d.mu.Unlock()
}

func opErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.Signal
	}{
		{"nil", nil, models.SignalHealthy},
		{"no address", ErrNoProbeAddr, models.SignalNoCredentials},
		{"dns", &net.DNSError{Err: "no such host", Name: "gw.local"}, models.SignalNoAccessPoint},
		{"refused", opErr(syscall.ECONNREFUSED), models.SignalDisconnected},
		{"net unreachable", opErr(syscall.ENETUNREACH), models.SignalIPLost},
		{"host unreachable", opErr(syscall.EHOSTUNREACH), models.SignalIPLost},
		{"reset", opErr(syscall.ECONNRESET), models.SignalAssociationExpired},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), models.SignalBeaconTimeout},
		{"net timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, models.SignalBeaconTimeout},
		{"other", errors.New("weird"), models.SignalDisconnected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestProbe_ReportsTransitionsOnce(t *testing.T) {
	link := &recordingLink{}
	d := &scriptedDialer{}
	w := New("gw:80", link, WithDialer(d.dial))
	ctx := context.Background()

	d.push(opErr(syscall.ECONNREFUSED), opErr(syscall.ENETUNREACH))
	if err := w.probe(ctx); err == nil {
		t.Fatal("expected failure")
	}
	if err := w.probe(ctx); err == nil {
		t.Fatal("expected failure")
	}
	if w.LastError() != models.SignalIPLost || w.Up() {
		t.Fatalf("last=%s up=%v", w.LastError(), w.Up())
	}

	if err := w.probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := w.probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if w.LastError() != models.SignalHealthy || !w.Up() {
		t.Fatalf("last=%s up=%v", w.LastError(), w.Up())
	}

	changes, errs := link.snapshot()
	if fmt.Sprint(changes) != "[false true]" {
		t.Fatalf("changes = %v", changes)
	}
	if len(errs) != 2 || errs[0] != models.SignalDisconnected || errs[1] != models.SignalIPLost {
		t.Fatalf("errors = %v", errs)
	}
}

func TestProbe_NoAddress(t *testing.T) {
	link := &recordingLink{}
	w := New("", link)
	if err := w.probe(context.Background()); !errors.Is(err, ErrNoProbeAddr) {
		t.Fatalf("err = %v", err)
	}
	if _, errs := link.snapshot(); len(errs) != 1 || errs[0] != models.SignalNoCredentials {
		t.Fatalf("errors = %v", errs)
	}
}

func TestRun_RecoversAfterBackoffAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	defer ln.Close()

	link := &recordingLink{}
	d := &scriptedDialer{}
	d.push(opErr(syscall.ECONNREFUSED), opErr(syscall.ECONNREFUSED))
	tcp := &net.Dialer{}
	calls := 0
	dial := func(ctx context.Context, network, a string) (net.Conn, error) {
		calls++
		if calls <= 2 {
			return d.dial(ctx, network, a)
		}
		return tcp.DialContext(ctx, network, a)
	}

	w := New(addr, link,
		WithDialer(dial),
		WithRetry(time.Millisecond, 5*time.Millisecond),
		WithHealthyInterval(time.Hour),
		WithTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !w.Up() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if !w.Up() {
		t.Fatal("watcher never saw the path come up")
	}
	changes, errs := link.snapshot()
	if fmt.Sprint(changes) != "[false true]" {
		t.Fatalf("changes = %v", changes)
	}
	if len(errs) != 2 {
		t.Fatalf("errors = %v", errs)
	}
}
