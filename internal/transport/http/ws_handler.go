package http

import (
	"context"
	"errors"
	"io"
	"net"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/gateway"
)

const writeTimeout = 10 * time.Second

// WSHandler upgrades HTTP connections and bridges them to gateway
// sessions.
type WSHandler struct {
	gw  *gateway.Gateway
	log *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(gw *gateway.Gateway, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{gw: gw, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	// statements can carry full-frame image blobs
	conn.SetReadLimit(16 << 20)

	transport := &wsTransport{conn: conn}
	session := h.gw.Accept(transport, remoteAddr(r))
	// the disconnect sequence runs synchronously before the connection
	// resources are released
	defer h.gw.Drop(session)

	err = h.readLoop(ctx, conn, session)

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "read error"
			h.log.Warn().Err(err).Uint64("session", session.ID()).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *gateway.Session) error {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		session.HandleFrame(ctx, frame)
	}
}

// wsTransport adapts a websocket connection to gateway.Transport. The
// session serializes calls; the mutex only guards against a Close
// racing a write.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Write(payload []byte, binary bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return t.conn.Write(ctx, typ, payload)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close(websocket.StatusNormalClosure, "server shutting down")
}

func remoteAddr(r *stdhttp.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
