package ota

import (
	"bytes"
	"io"
	"sync"
	"time"

	"lifeboat/internal/models"
	"lifeboat/internal/platform"
)

type fakeFlash struct {
	mu        sync.Mutex
	slot      models.Slot
	noSlot    bool
	writeErr  error
	commitErr error
	open      bool
	buf       bytes.Buffer
	committed []byte
	aborted   int
	bootSlot  string
}

func newFakeFlash(size int64) *fakeFlash {
	return &fakeFlash{slot: models.Slot{Label: "ota_1", Kind: models.SlotUpdate, Index: 1, Size: size}}
}

func (f *fakeFlash) NextUpdateSlot() (models.Slot, error) {
	if f.noSlot {
		return models.Slot{}, platform.ErrNoUpdateSlot
	}
	return f.slot, nil
}

func (f *fakeFlash) OpenWriter(slot models.Slot, size int64) (platform.FlashWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return nil, platform.ErrFlashBusy
	}
	f.open = true
	f.buf.Reset()
	return &fakeWriter{f: f}, nil
}

func (f *fakeFlash) SetBootSlot(slot models.Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootSlot = slot.Label
	return nil
}

func (f *fakeFlash) state() (committed []byte, aborted int, boot string, open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed, f.aborted, f.bootSlot, f.open
}

type fakeWriter struct{ f *fakeFlash }

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if w.f.writeErr != nil {
		return 0, w.f.writeErr
	}
	return w.f.buf.Write(p)
}

func (w *fakeWriter) Commit() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.open = false
	if w.f.commitErr != nil {
		return w.f.commitErr
	}
	w.f.committed = append([]byte(nil), w.f.buf.Bytes()...)
	return nil
}

func (w *fakeWriter) Abort() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.open = false
	w.f.aborted++
	return nil
}

type countingRestarter struct {
	mu sync.Mutex
	n  int
}

func (r *countingRestarter) Restart() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func (r *countingRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// scriptConn replays a fixed input and records everything written back.
type scriptConn struct {
	in        io.Reader
	out       bytes.Buffer
	closed    bool
	deadlines int
}

func newScriptConn(in []byte) *scriptConn { return &scriptConn{in: bytes.NewReader(in)} }

func (c *scriptConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *scriptConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *scriptConn) Close() error                { c.closed = true; return nil }

func (c *scriptConn) SetReadDeadline(time.Time) error {
	c.deadlines++
	return nil
}

func noSleep(time.Duration) {}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}
