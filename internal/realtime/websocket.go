package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxFrameBytes = 1 << 20

// WebSocketDialer dials the board's realtime endpoint. Token is consulted on
// every dial so a refreshed access token is picked up after reconnects.
type WebSocketDialer struct {
	URL        string
	Token      func() string
	HTTPClient *http.Client
}

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("X-Correlation-Id", "board_"+uuid.NewString())
	if d.Token != nil {
		if token := strings.TrimSpace(d.Token()); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}, nil
}

// RealtimeURL turns an http(s) base URL into the team's websocket endpoint.
func RealtimeURL(baseURL, teamID string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/teams/" + url.PathEscape(teamID) + "/realtime"
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Frame, error) {
	var frame Frame
	err := wsjson.Read(ctx, c.conn, &frame)
	return frame, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// WriteFrame sends one frame on a server-side connection.
func WriteFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	return wsjson.Write(ctx, conn, frame)
}
