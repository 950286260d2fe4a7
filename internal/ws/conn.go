// Package ws runs realtime sessions over gorilla/websocket connections.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lalith-99/echorelay/internal/config"
	"github.com/lalith-99/echorelay/internal/realtime"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// cleanupTimeout bounds the disconnect path, which runs after the request
// context may already be gone.
const cleanupTimeout = 5 * time.Second

// Options are the per-connection transport limits.
type Options struct {
	// AuthGrace is how long a connection may stay unauthenticated.
	AuthGrace time.Duration
	// IdleTimeout is how long an authenticated connection may go without
	// sending a frame or answering a ping.
	IdleTimeout    time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RatePerSec     float64
	RateBurst      int
}

func NewOptions(cfg config.WSConfig) Options {
	return Options{
		AuthGrace:      cfg.AuthGrace,
		IdleTimeout:    cfg.IdleTimeout,
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
		RatePerSec:     cfg.RatePerSec,
		RateBurst:      cfg.RateBurst,
	}
}

// pingPeriod must be less than IdleTimeout so a healthy peer's pong always
// lands before the read deadline.
func (o Options) pingPeriod() time.Duration {
	return o.IdleTimeout * 9 / 10
}

type client struct {
	gw      *realtime.Gateway
	conn    *websocket.Conn
	session *realtime.Session
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger

	writerDone chan struct{}
}

// Serve runs one websocket connection until it closes and then runs the
// gateway's disconnect path. Frames are read and handled on the calling
// goroutine; a second goroutine writes.
//
// token is the credential presented during the handshake, if any. Without
// one the client must send an authenticate frame within AuthGrace.
func Serve(ctx context.Context, gw *realtime.Gateway, conn *websocket.Conn, token string, opts Options, logger *zap.Logger) {
	rc := realtime.NewConnection(realtime.NewConnID(), opts.SendBuffer)
	c := &client{
		gw:         gw,
		conn:       conn,
		session:    gw.Open(rc),
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
		logger:     logger.With(zap.String("conn_id", string(rc.ID())), zap.String("remote_addr", conn.RemoteAddr().String())),
		writerDone: make(chan struct{}),
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		gw.Close(closeCtx, c.session)
		<-c.writerDone
	}()

	go c.writePump()

	if token != "" {
		if err := gw.Authenticate(ctx, c.session, token); err != nil {
			return
		}
	}
	c.readPump(ctx)
}

// window is the read deadline currently in force.
func (c *client) window() time.Duration {
	if c.session.State() == realtime.StateConnecting {
		return c.opts.AuthGrace
	}
	return c.opts.IdleTimeout
}

func (c *client) extendDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.window())); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		// A pong never buys an unauthenticated client more time.
		if c.session.State() != realtime.StateConnecting {
			c.extendDeadline()
		}
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.Allow() {
			c.gw.Throttle(c.session)
			continue
		}

		if err := c.gw.Handle(ctx, c.session, raw); err != nil {
			return
		}
		c.extendDeadline()
	}
}

func (c *client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("frame exceeded size limit", zap.Int64("max_bytes", c.opts.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug("client closed connection")
	case isTimeout(err):
		c.logger.Info("connection timed out", zap.String("state", c.session.State().String()))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Debug("websocket read failed", zap.Error(err))
	}
}

// writePump drains the session's outbound queue to the socket and pings
// the peer. It owns closing the socket.
func (c *client) writePump() {
	rc := c.session.Conn()
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case msg := <-rc.Outbound():
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				rc.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				rc.Close()
				return
			}
		case <-rc.Done():
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, such as a final error frame, and
// says goodbye. The whole flush shares one write deadline.
func (c *client) flush() {
	rc := c.session.Conn()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	for {
		select {
		case msg := <-rc.Outbound():
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
