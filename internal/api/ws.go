package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/echorelay/internal/middleware"
	"github.com/lalith-99/echorelay/internal/realtime"
	"github.com/lalith-99/echorelay/internal/ws"
	"go.uber.org/zap"
)

// WSHandler upgrades GET /v1/ws to a websocket and hands it to the
// realtime gateway. It is not behind AuthMiddleware: the socket
// authenticates itself, in the handshake or with its first frame.
type WSHandler struct {
	gw       *realtime.Gateway
	upgrader websocket.Upgrader
	opts     ws.Options
	logger   *zap.Logger
}

func NewWSHandler(gw *realtime.Gateway, allowedOrigins []string, opts ws.Options, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		gw: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		opts:   opts,
		logger: logger,
	}
}

// Serve handles GET /v1/ws. The request goroutine becomes the connection's
// reader for its whole lifetime.
func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Info("websocket upgrade failed",
			zap.String("origin", c.GetHeader("Origin")),
			zap.Error(err),
		)
		return
	}

	ws.Serve(c.Request.Context(), h.gw, conn, middleware.TokenFromRequest(c.Request), h.opts, h.logger)
}

// originChecker allows requests without an Origin header (non-browser
// clients), any origin when the list contains "*", and otherwise only
// exact scheme://host[:port] matches.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(o)] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
