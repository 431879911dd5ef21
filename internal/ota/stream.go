package ota

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"lifeboat/internal/logger"
	"lifeboat/internal/metrics"
	"lifeboat/internal/platform"
)

const (
	streamSource   = "TCP"
	streamChunk    = 4096
	defaultDrain   = 750 * time.Millisecond
	defaultRecvTTL = 30 * time.Second
)

var ErrBadRequest = errors.New("ota: malformed update request")

// StreamRequest is the parsed "OTA <size> <crc32-hex>" line.
type StreamRequest struct {
	Size uint32
	CRC  uint32
}

// ParseStreamRequest accepts "OTA <size> <crc32-hex>"; the CRC may carry a
// 0x prefix and 0 skips the session check.
func ParseStreamRequest(line string) (StreamRequest, error) {
	f := strings.Fields(line)
	if len(f) != 3 || f[0] != "OTA" {
		return StreamRequest{}, ErrBadRequest
	}
	size, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return StreamRequest{}, fmt.Errorf("%w: size %q", ErrBadRequest, f[1])
	}
	h := strings.TrimPrefix(strings.TrimPrefix(f[2], "0x"), "0X")
	crc, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return StreamRequest{}, fmt.Errorf("%w: crc %q", ErrBadRequest, f[2])
	}
	return StreamRequest{Size: uint32(size), CRC: uint32(crc)}, nil
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// StreamUpdater runs the stream transport's update exchange on an already
// authenticated connection. Each call owns its own session.
type StreamUpdater struct {
	flash       platform.Flash
	restarter   platform.Restarter
	drainDelay  time.Duration
	recvTimeout time.Duration
	sleep       func(time.Duration)
	sessionOpts []SessionOption
	log         *logger.Logger
}

type StreamOption func(*StreamUpdater)

func WithDrainDelay(d time.Duration) StreamOption { return func(u *StreamUpdater) { u.drainDelay = d } }

func WithRecvTimeout(d time.Duration) StreamOption {
	return func(u *StreamUpdater) { u.recvTimeout = d }
}

// WithSleep replaces time.Sleep for the pre-restart drain.
func WithSleep(fn func(time.Duration)) StreamOption { return func(u *StreamUpdater) { u.sleep = fn } }

func WithStreamLogger(l *logger.Logger) StreamOption {
	return func(u *StreamUpdater) {
		u.log = l
		u.sessionOpts = append(u.sessionOpts, WithSessionLogger(l))
	}
}

func WithStreamMetrics(m *metrics.Collector) StreamOption {
	return func(u *StreamUpdater) { u.sessionOpts = append(u.sessionOpts, WithSessionMetrics(m)) }
}

func WithStreamSessionOptions(opts ...SessionOption) StreamOption {
	return func(u *StreamUpdater) { u.sessionOpts = append(u.sessionOpts, opts...) }
}

func NewStreamUpdater(flash platform.Flash, restarter platform.Restarter, opts ...StreamOption) *StreamUpdater {
	u := &StreamUpdater{
		flash:       flash,
		restarter:   restarter,
		drainDelay:  defaultDrain,
		recvTimeout: defaultRecvTTL,
		sleep:       time.Sleep,
		log:         logger.Nop(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Serve replies ACK, streams the image, checks the trailing CRC and on
// success replies OK and restarts the device. Failures reply with an error
// token and return an error; the device keeps running.
func (u *StreamUpdater) Serve(ctx context.Context, conn io.ReadWriter, req StreamRequest) error {
	if req.Size == 0 {
		u.reply(conn, "ERR bad_size")
		return ErrInvalidSize
	}

	dl, hasDeadline := conn.(deadliner)
	arm := func() {
		if hasDeadline && u.recvTimeout > 0 {
			_ = dl.SetReadDeadline(time.Now().Add(u.recvTimeout))
		}
	}
	if hasDeadline {
		defer func() { _ = dl.SetReadDeadline(time.Time{}) }()
	}

	u.reply(conn, "ACK")

	sess := NewSession(u.flash, u.sessionOpts...)
	if err := sess.Begin(int64(req.Size), req.CRC, streamSource); err != nil {
		u.reply(conn, "ERR "+beginReason(err))
		return err
	}
	// Every failure below must leave the session closed.
	defer sess.Abort("stream teardown")

	buf := make([]byte, streamChunk)
	remaining := int64(req.Size)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			u.reply(conn, "ERR recv_payload")
			return err
		}
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		arm()
		n, err := io.ReadFull(conn, buf[:want])
		if err != nil {
			u.log.Errorw("recv payload failed", "received", int64(req.Size)-remaining, "err", err)
			u.reply(conn, "ERR recv_payload")
			sess.Abort("recv_payload")
			return fmt.Errorf("ota: recv payload: %w", err)
		}
		if err := sess.Write(buf[:n]); err != nil {
			u.reply(conn, "ERR ota_write")
			sess.Abort("ota_write")
			return err
		}
		remaining -= int64(n)
	}

	var tail [4]byte
	arm()
	if _, err := io.ReadFull(conn, tail[:]); err != nil {
		u.reply(conn, "ERR recv_crc")
		sess.Abort("recv_crc")
		return fmt.Errorf("ota: recv crc: %w", err)
	}
	trailer := binary.LittleEndian.Uint32(tail[:])
	if calc := sess.Progress().CRC; calc != trailer {
		u.log.Errorw("crc mismatch", "calc", fmt.Sprintf("%08x", calc), "tail", fmt.Sprintf("%08x", trailer))
		u.reply(conn, "CRCFAIL")
		sess.Abort("crc")
		return ErrChecksumMismatch
	}

	if err := sess.Finish(); err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			u.reply(conn, "CRCFAIL")
		} else {
			u.reply(conn, "ERR ota_end")
		}
		return err
	}

	u.reply(conn, "OK")
	u.log.Infow("stream update complete, restarting", "bytes", req.Size)
	if c, ok := conn.(io.Closer); ok {
		_ = c.Close()
	}
	u.sleep(u.drainDelay)
	u.restarter.Restart()
	return nil
}

func (u *StreamUpdater) reply(w io.Writer, token string) {
	if _, err := io.WriteString(w, token+"\n"); err != nil {
		u.log.Debugw("reply not delivered", "token", token, "err", err)
	}
}

func beginReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyActive), errors.Is(err, platform.ErrFlashBusy):
		return "busy"
	case errors.Is(err, ErrNotFound):
		return "no_ota_partition"
	case errors.Is(err, ErrTooLarge):
		return "image_too_large"
	case errors.Is(err, ErrInvalidSize):
		return "bad_size"
	default:
		return "ota_begin"
	}
}
