package fanout

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway is origin-agnostic; auth happens at the token layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn glues one websocket to a hub session: the write pump drains the
// session queue, the read pump watches for client disconnect.
type Conn struct {
	ws      *websocket.Conn
	session *Session
	hub     *Hub
	logg    *logger.Logger

	writeTimeout time.Duration
	pingInterval time.Duration
	maxMsgSize   int64
}

// Upgrade converts the HTTP request into a websocket subscribed to the given
// correlation keys.
func Upgrade(w http.ResponseWriter, r *http.Request, hub *Hub, cfg config.FanoutConfig, logg *logger.Logger, keys ...string) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	return &Conn{
		ws:           ws,
		session:      hub.Subscribe(keys...),
		hub:          hub,
		logg:         logg,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		maxMsgSize:   cfg.MaxMessageSize,
	}, nil
}

// Serve runs the read and write pumps until the client disconnects, the hub
// closes the session, or the context is canceled.
func (c *Conn) Serve(ctx context.Context) {
	defer func() {
		c.hub.UnsubscribeAll(c.session)
		_ = c.ws.Close()
	}()

	readDone := make(chan struct{})
	go c.readPump(ctx, readDone)

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case <-c.session.Closed():
			c.writeClose(websocket.ClosePolicyViolation, "subscriber too slow")
			return
		case data, ok := <-c.session.Outbound():
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				if c.logg != nil {
					c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "websocket write failed")
				}
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the gateway is push-only. It exists to
// surface client disconnects and answer pings.
func (c *Conn) readPump(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	if c.maxMsgSize > 0 {
		c.ws.SetReadLimit(c.maxMsgSize)
	}
	readWait := c.pingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	}
}

func (c *Conn) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
}
