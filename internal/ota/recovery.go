package ota

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"lifeboat/internal/logger"
	"lifeboat/internal/models"
	"lifeboat/internal/platform"
)

const (
	DefaultCommandPrefix = "BL_OTA"
	recoverySource       = "BLE"
	frameHeader          = 6
	progressStep         = 256 * 1024
	recoveryDrain        = 400 * time.Millisecond
)

// ModeReader is the read-only view of the coordinator the bridge gets.
type ModeReader interface {
	Mode() models.Mode
}

// Quiescer silences the escalation policy while an image is being written.
type Quiescer interface {
	ControlOK(source string)
}

// Reply sends one status token back over the link.
type Reply func(token string)

// RecoveryBridge carries image transfers over the recovery channel: text
// control lines plus sequenced binary data frames into one long-lived session.
type RecoveryBridge struct {
	session   *Session
	mode      ModeReader
	quiet     Quiescer
	restarter platform.Restarter
	prefix    string
	drain     time.Duration
	sleep     func(time.Duration)
	log       *logger.Logger

	mu        sync.Mutex
	active    bool
	total     int64
	expectSeq uint32
	nextProg  int64
}

type BridgeOption func(*RecoveryBridge)

func WithPrefix(p string) BridgeOption { return func(b *RecoveryBridge) { b.prefix = p } }

func WithQuiescer(q Quiescer) BridgeOption { return func(b *RecoveryBridge) { b.quiet = q } }

func WithBridgeSleep(fn func(time.Duration)) BridgeOption {
	return func(b *RecoveryBridge) { b.sleep = fn }
}

func WithBridgeLogger(l *logger.Logger) BridgeOption { return func(b *RecoveryBridge) { b.log = l } }

func NewRecoveryBridge(session *Session, mode ModeReader, restarter platform.Restarter, opts ...BridgeOption) *RecoveryBridge {
	b := &RecoveryBridge{
		session:   session,
		mode:      mode,
		restarter: restarter,
		prefix:    DefaultCommandPrefix,
		drain:     recoveryDrain,
		sleep:     time.Sleep,
		log:       logger.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// HandleControl processes one command line.
func (b *RecoveryBridge) HandleControl(line string, reply Reply) {
	b.mu.Lock()
	reboot := b.control(line, reply)
	b.mu.Unlock()
	if reboot {
		b.reboot()
	}
}

func (b *RecoveryBridge) control(line string, reply Reply) bool {
	line = strings.NewReplacer("\r", " ", "\n", " ").Replace(line)
	b.log.Infow("ctrl", "line", strings.TrimSpace(line))

	f := strings.Fields(line)
	if len(f) < 2 || f[0] != b.prefix {
		reply("ERR UNKNOWN")
		return false
	}

	switch f[1] {
	case "START":
		if b.active {
			reply("ERR BUSY")
			return false
		}
		size, crc, ok := parseStart(f[2:])
		if !ok {
			reply("ERR BADFMT")
			return false
		}
		if b.mode.Mode() != models.ModeRecovery {
			b.log.Warnw("start refused outside recovery", "mode", b.mode.Mode().String())
			reply("ERR FORBIDDEN")
			return false
		}
		if err := b.session.Begin(size, crc, recoverySource); err != nil {
			b.log.Errorw("begin failed", "err", err)
			reply("ERR BEGIN")
			return false
		}
		b.active = true
		b.total = size
		b.expectSeq = 0
		b.nextProg = progressStep
		if b.quiet != nil {
			b.quiet.ControlOK("BLE-OTA")
		}
		reply("ACK START")
		return false

	case "FINISH":
		if !b.active {
			reply("ERR NOACTIVE")
			return false
		}
		return b.finalize(reply)

	case "ABORT":
		if !b.active {
			reply("ERR NOACTIVE")
			return false
		}
		b.session.Abort("ble abort")
		b.reset()
		reply("OK ABORTED")
		return false
	}

	reply("ERR UNKNOWN")
	return false
}

func parseStart(args []string) (int64, uint32, bool) {
	if len(args) < 2 {
		return 0, 0, false
	}
	size, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || size == 0 {
		return 0, 0, false
	}
	crc, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(args[1]), "0x"), 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return int64(size), uint32(crc), true
}

// HandleData processes one data frame: LE u32 sequence, LE u16 length, payload.
// Malformed, out-of-sequence and overflowing frames are dropped.
func (b *RecoveryBridge) HandleData(frame []byte, reply Reply) {
	b.mu.Lock()
	reboot := b.data(frame, reply)
	b.mu.Unlock()
	if reboot {
		b.reboot()
	}
}

func (b *RecoveryBridge) data(frame []byte, reply Reply) bool {
	if !b.active || len(frame) < frameHeader {
		return false
	}
	seq := binary.LittleEndian.Uint32(frame[0:4])
	n := int(binary.LittleEndian.Uint16(frame[4:6]))
	if len(frame) != frameHeader+n {
		b.log.Warnw("data bad frame", "len", len(frame), "hdr_len", n)
		return false
	}
	if seq != b.expectSeq {
		b.log.Warnw("data out of order", "got", seq, "expect", b.expectSeq)
		return false
	}

	written := b.session.Progress().Written
	if written+int64(n) > b.total {
		b.log.Errorw("data overflow", "written", written, "len", n, "total", b.total)
		return false
	}

	if err := b.session.Write(frame[frameHeader:]); err != nil {
		b.log.Errorw("write failed", "err", err)
		reply("ERR WRITE")
		b.session.Abort("write_fail")
		b.reset()
		return false
	}
	b.expectSeq++
	written += int64(n)

	if written >= b.nextProg || written == b.total {
		reply(fmt.Sprintf("PROG %d/%d", written, b.total))
		b.nextProg += progressStep
	}
	if written == b.total {
		b.log.Infow("image complete on data stream, finalizing")
		return b.finalize(reply)
	}
	return false
}

// OnDisconnect closes an open transfer: a complete image is finished, anything else aborted.
func (b *RecoveryBridge) OnDisconnect() {
	b.mu.Lock()
	reboot := false
	if b.active {
		p := b.session.Progress()
		if p.Written >= b.total && b.total > 0 {
			b.log.Warnw("link dropped with complete image, finalizing", "written", p.Written)
			if err := b.session.Finish(); err != nil {
				b.log.Errorw("finish after disconnect failed", "err", err)
				b.session.Abort("finish_fail")
			} else {
				reboot = true
			}
		} else {
			b.log.Warnw("link dropped during transfer, aborting", "written", p.Written, "total", b.total)
			b.session.Abort("link dropped")
		}
		b.reset()
	}
	b.mu.Unlock()
	if reboot {
		b.reboot()
	}
}

func (b *RecoveryBridge) finalize(reply Reply) bool {
	defer b.reset()
	if err := b.session.Finish(); err != nil {
		b.log.Errorw("finish failed", "err", err)
		reply("ERR FINISH")
		b.session.Abort("finish_fail")
		return false
	}
	reply("OK REBOOTING")
	return true
}

func (b *RecoveryBridge) reset() {
	b.active = false
	b.total = 0
	b.expectSeq = 0
	b.nextProg = 0
}

func (b *RecoveryBridge) reboot() {
	b.sleep(b.drain)
	b.restarter.Restart()
}

// Active reports whether a transfer is open.
func (b *RecoveryBridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// EncodeFrame builds a data frame. Clients and tests use it.
func EncodeFrame(seq uint32, payload []byte) []byte {
	out := make([]byte, frameHeader+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], seq)
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(payload)))
	copy(out[frameHeader:], payload)
	return out
}
