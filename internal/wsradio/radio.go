// Package wsradio is a host stand-in for the short-range radio: "advertising"
// means one websocket peer may connect. Text frames carry command lines,
// binary frames carry data frames, replies go back as text frames.
package wsradio

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"lifeboat/internal/logger"
	"lifeboat/internal/ota"
	"lifeboat/internal/recovery"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	maxMsgSize = 6 + 65535
)

var (
	ErrNotInitialized = errors.New("wsradio: not initialized")
	ErrPeerConnected  = errors.New("wsradio: peer connected")
)

// LinkHandler consumes traffic from the connected peer.
type LinkHandler interface {
	HandleControl(line string, reply ota.Reply)
	HandleData(frame []byte, reply ota.Reply)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Radio struct {
	mu          sync.Mutex
	events      func(recovery.Event)
	name        string
	service     uuid.UUID
	advertising bool
	conn        *websocket.Conn
	peer        string
	writeMu     sync.Mutex
	link        LinkHandler
	log         *logger.Logger
}

var _ recovery.Radio = (*Radio)(nil)

func New(link LinkHandler, log *logger.Logger) *Radio {
	if log == nil {
		log = logger.Nop()
	}
	return &Radio{link: link, log: log}
}

// SetLink replaces the traffic consumer. Used when the consumer is built after the radio.
func (r *Radio) SetLink(link LinkHandler) {
	r.mu.Lock()
	r.link = link
	r.mu.Unlock()
}

func (r *Radio) Init(events func(recovery.Event)) error {
	r.mu.Lock()
	r.events = events
	r.mu.Unlock()
	r.log.Infow("radio_init")
	return nil
}

func (r *Radio) ConfigureAdvertisement(name string, service uuid.UUID) error {
	r.mu.Lock()
	if r.events == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	r.name, r.service = name, service
	r.mu.Unlock()
	r.emit(recovery.Event{Kind: recovery.EventAdvConfigured})
	return nil
}

func (r *Radio) StartAdvertising() error {
	r.mu.Lock()
	if r.events == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	if r.conn != nil {
		r.mu.Unlock()
		return ErrPeerConnected
	}
	r.advertising = true
	r.mu.Unlock()
	r.emit(recovery.Event{Kind: recovery.EventAdvStarted, OK: true})
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	was := r.advertising
	r.advertising = false
	r.mu.Unlock()
	if was {
		r.emit(recovery.Event{Kind: recovery.EventAdvStopped})
	}
	return nil
}

func (r *Radio) Advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

// RespondSecurity answers a pairing request. Rejections are reported to the peer.
func (r *Radio) RespondSecurity(peer string, accept bool) error {
	if accept {
		return nil
	}
	return r.send("ERR PAIRING_REJECTED")
}

// Advertisement describes what a scanning client would see.
type Advertisement struct {
	Name        string `json:"name"`
	Service     string `json:"service_uuid"`
	Advertising bool   `json:"advertising"`
	Connected   bool   `json:"connected"`
}

// Scan serves the current advertisement, the host analogue of a scan response.
func (r *Radio) Scan(c *gin.Context) {
	r.mu.Lock()
	adv := Advertisement{
		Name:        r.name,
		Advertising: r.advertising,
		Connected:   r.conn != nil,
	}
	if r.service != uuid.Nil {
		adv.Service = r.service.String()
	}
	r.mu.Unlock()
	c.JSON(http.StatusOK, adv)
}

// Connect accepts the single peer while advertising.
func (r *Radio) Connect(c *gin.Context) {
	r.mu.Lock()
	if !r.advertising || r.conn != nil {
		r.mu.Unlock()
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "not advertising"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.mu.Unlock()
		r.log.Errorw("ws_upgrade_failed", "err", err)
		return
	}
	// a connection ends advertising, as on the real radio
	r.conn = conn
	r.peer = c.Request.RemoteAddr
	r.advertising = false
	link := r.link
	peer := r.peer
	r.mu.Unlock()

	conn.SetReadLimit(maxMsgSize)
	r.emit(recovery.Event{Kind: recovery.EventConnected, Peer: peer})

	reply := ota.Reply(func(token string) {
		if err := r.send(token); err != nil {
			r.log.Infow("ws_reply_failed", "err", err)
		}
	})

	defer r.drop(conn, peer)
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			r.log.Infow("ws_read_closed", "peer", peer, "err", err)
			return
		}
		switch typ {
		case websocket.TextMessage:
			line := string(msg)
			if strings.HasPrefix(strings.TrimSpace(line), "PAIR") {
				r.emit(recovery.Event{Kind: recovery.EventSecurityRequest, Peer: peer})
				continue
			}
			if link != nil {
				link.HandleControl(line, reply)
			}
		case websocket.BinaryMessage:
			if link != nil {
				link.HandleData(msg, reply)
			}
		}
	}
}

func (r *Radio) send(token string) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotInitialized
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(token))
}

func (r *Radio) drop(conn *websocket.Conn, peer string) {
	_ = conn.Close()
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.peer = ""
	}
	r.mu.Unlock()
	r.emit(recovery.Event{Kind: recovery.EventDisconnected, Peer: peer})
}

func (r *Radio) emit(ev recovery.Event) {
	r.mu.Lock()
	fn := r.events
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
