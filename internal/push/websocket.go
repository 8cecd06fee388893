package push

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	xerrors "consult-tasktrack/internal/errors"
)

// StatusPath is the websocket endpoint that streams task status.
const StatusPath = "/ws/status"

// WebsocketDialer connects to the status websocket.
type WebsocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

// StatusURL derives the websocket URL from an HTTP API base, switching the
// scheme to ws or wss.
func StatusURL(apiBase string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil || u.Host == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "invalid api base url "+apiBase)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + StatusPath
	u.RawQuery = ""
	return u.String(), nil
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "push url is empty")
	}
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "dial push websocket")
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
