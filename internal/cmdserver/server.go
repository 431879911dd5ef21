// Package cmdserver is the primary control transport: a line-oriented TCP
// command protocol. A successful AUTH is the only way the control path gets
// proven.
package cmdserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lifeboat/internal/logger"
	"lifeboat/internal/models"
	"lifeboat/internal/ota"
	"lifeboat/internal/service"
)

const (
	// maxLine bounds one command line, newline included.
	maxLine     = 128
	idleTimeout = 5 * time.Minute
)

// Authenticator checks and replaces the device token.
type Authenticator interface {
	VerifyDeviceToken(ctx context.Context, token string) bool
	SetDeviceToken(ctx context.Context, token string) error
}

// ControlLink is the capability that marks the control path as proven.
type ControlLink interface {
	Authenticated(ctx context.Context) error
}

type ModeReader interface {
	Mode() models.Mode
}

// Updater runs the stream update exchange on an authenticated connection.
type Updater interface {
	Serve(ctx context.Context, conn io.ReadWriter, req ota.StreamRequest) error
}

type StatusReader interface {
	Status(ctx context.Context) (models.DeviceStatus, error)
}

// ErrorSource reports the last primary connectivity failure.
type ErrorSource interface {
	LastError() models.Signal
}

type Server struct {
	auth    Authenticator
	link    ControlLink
	mode    ModeReader
	updater Updater
	status  StatusReader
	errsrc  ErrorSource
	log     *logger.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	clients  atomic.Int32
	notified atomic.Bool
}

type Option func(*Server)

func WithLogger(l *logger.Logger) Option { return func(s *Server) { s.log = l } }

func WithStatus(r StatusReader) Option { return func(s *Server) { s.status = r } }

func WithErrorSource(e ErrorSource) Option { return func(s *Server) { s.errsrc = e } }

func New(auth Authenticator, link ControlLink, mode ModeReader, updater Updater, opts ...Option) *Server {
	s := &Server{
		auth:    auth,
		link:    link,
		mode:    mode,
		updater: updater,
		conns:   make(map[net.Conn]struct{}),
		log:     logger.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ListenAndServe accepts clients on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is canceled, then closes every
// client and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Infow("command server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warnw("accept failed", "err", err)
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handle(ctx, conn)
		}()
	}
}

// Addr is the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Clients is the number of connected command clients.
func (s *Server) Clients() int { return int(s.clients.Load()) }

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	if add {
		s.clients.Add(1)
	} else {
		s.clients.Add(-1)
	}
}

// bufferedConn keeps bytes already buffered by the line reader visible to
// the update stream that takes over the connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// session is the per-client command context.
type session struct {
	conn   bufferedConn
	authed bool
	// handed over to the update stream; stop reading lines
	done bool
}

func (s *session) reply(token string) {
	_, _ = io.WriteString(s.conn, token+"\n")
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	peer := c.RemoteAddr().String()
	s.log.Infow("client connected", "peer", peer, "clients", s.Clients())

	sess := &session{conn: bufferedConn{Conn: c, r: bufio.NewReaderSize(c, maxLine)}}
	for !sess.done {
		_ = c.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := readLine(sess.conn.r)
		if errors.Is(err, errLineTooLong) {
			s.log.Warnw("command line too long", "peer", peer, "limit", maxLine)
			sess.reply("ERR line too long")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Infow("client read failed", "peer", peer, "err", err)
			}
			break
		}
		logLine(s.log, peer, line)
		s.dispatch(ctx, sess, line)
	}
	s.log.Infow("client disconnected", "peer", peer)
}

var errLineTooLong = errors.New("command line too long")

// readLine returns one newline-terminated line without growing past the
// reader's buffer, so bytes after the newline stay buffered for a hand-over.
// An overlong line is discarded up to its newline.
func readLine(r *bufio.Reader) (string, error) {
	b, err := r.ReadSlice('\n')
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = r.ReadSlice('\n')
	}
	if err != nil {
		return "", err
	}
	return "", errLineTooLong
}

func logLine(log *logger.Logger, peer, line string) {
	log.Debugw("command received", "peer", peer, "line", maskSecrets(line))
}

// maskSecrets keeps tokens out of the log.
func maskSecrets(line string) string {
	trimmed := strings.TrimSpace(line)
	name, _, hasArgs := strings.Cut(trimmed, " ")
	switch strings.ToUpper(name) {
	case "AUTH", "SETTOKEN":
		if hasArgs {
			return name + " ****"
		}
	}
	return trimmed
}

type handlerFunc func(s *Server, ctx context.Context, sess *session, args string)

type command struct {
	needsAuth bool
	fn        handlerFunc
}

var commands = map[string]command{
	"PING":     {fn: (*Server).ping},
	"AUTH":     {fn: (*Server).authenticate},
	"SETTOKEN": {needsAuth: true, fn: (*Server).setToken},
	"MODE":     {fn: (*Server).reportMode},
	"ERRSRC":   {fn: (*Server).reportErrorSource},
	"STATUS":   {needsAuth: true, fn: (*Server).reportStatus},
	"OTA":      {needsAuth: true, fn: (*Server).update},
}

func (s *Server) dispatch(ctx context.Context, sess *session, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	name, args, _ := strings.Cut(line, " ")
	cmd, ok := commands[strings.ToUpper(name)]
	if !ok {
		sess.reply("WHAT")
		return
	}
	if cmd.needsAuth && !sess.authed {
		sess.reply("DENIED")
		return
	}
	cmd.fn(s, ctx, sess, strings.TrimSpace(args))
}

func (s *Server) ping(_ context.Context, sess *session, _ string) { sess.reply("PONG") }

func (s *Server) authenticate(ctx context.Context, sess *session, args string) {
	if args == "" || !s.auth.VerifyDeviceToken(ctx, args) {
		s.log.Warnw("auth denied", "peer", sess.conn.RemoteAddr().String())
		sess.reply("DENIED")
		return
	}
	sess.authed = true
	err := s.link.Authenticated(ctx)
	if s.notified.CompareAndSwap(false, true) {
		s.log.Infow("control path authenticated", "err", err)
	}
	sess.reply("OK")
}

func (s *Server) setToken(ctx context.Context, sess *session, args string) {
	if args == "" {
		sess.reply("usage: SETTOKEN <newtoken>")
		return
	}
	switch err := s.auth.SetDeviceToken(ctx, args); {
	case err == nil:
		sess.reply("OK")
	case errors.Is(err, service.ErrEmptyToken):
		sess.reply("ERR empty token")
	case errors.Is(err, service.ErrTokenTooLong):
		sess.reply("ERR token too long")
	default:
		s.log.Errorw("token not stored", "err", err)
		sess.reply("ERR")
	}
}

func (s *Server) reportMode(_ context.Context, sess *session, _ string) {
	sess.reply(s.mode.Mode().String())
}

func (s *Server) reportErrorSource(_ context.Context, sess *session, _ string) {
	sig := models.SignalHealthy
	if s.errsrc != nil {
		sig = s.errsrc.LastError()
	}
	sess.reply(fmt.Sprintf("mode=%s errsrc=%d %s", s.mode.Mode(), int(sig), sig))
}

func (s *Server) reportStatus(ctx context.Context, sess *session, _ string) {
	if s.status == nil {
		sess.reply("ERR status unavailable")
		return
	}
	st, err := s.status.Status(ctx)
	if err != nil {
		s.log.Errorw("status failed", "err", err)
		sess.reply("ERR status unavailable")
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		sess.reply("ERR status unavailable")
		return
	}
	sess.reply(string(b))
}

// update hands the connection to the update stream. The session ends with
// it: either the device restarts or the client has to reconnect.
func (s *Server) update(ctx context.Context, sess *session, args string) {
	req, err := ota.ParseStreamRequest("OTA " + args)
	if err != nil {
		sess.reply("ERR bad_request")
		return
	}
	sess.done = true
	if err := s.updater.Serve(ctx, sess.conn, req); err != nil {
		s.log.Warnw("stream update failed", "size", req.Size, "err", err)
	}
}
