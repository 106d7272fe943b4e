// Package transport provides the WebSocket connection to the messaging service.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/coder/websocket"
)

// ErrUnauthorized is returned when the service rejects the handshake credentials.
var ErrUnauthorized = errors.New("transport: handshake unauthorized")

const defaultReadLimit = 1 << 20 // 1MB

// WebSocketDialer dials the messaging service over WebSocket.
type WebSocketDialer struct {
	url        string
	httpClient *http.Client
	readLimit  int64
	logger     *slog.Logger
}

// NewWebSocketDialer creates a dialer for the given ws:// or wss:// URL.
func NewWebSocketDialer(rawURL string, logger *slog.Logger) (*WebSocketDialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return &WebSocketDialer{
		url:       rawURL,
		readLimit: defaultReadLimit,
		logger:    logger,
	}, nil
}

// Dial performs the handshake. The access token travels in the Authorization
// header and the user id as the user_id query parameter.
func (d *WebSocketDialer) Dial(ctx context.Context, creds domain.Credentials) (realtime.Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if creds.UserID != "" {
		q := u.Query()
		q.Set("user_id", creds.UserID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if creds.AccessToken != "" {
		header.Set("Authorization", "Bearer "+creds.AccessToken)
	}

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial messaging service: %w", err)
	}
	ws.SetReadLimit(d.readLimit)

	return &wsConn{ws: ws, logger: d.logger}, nil
}

// wsConn adapts websocket.Conn to realtime.Conn.
type wsConn struct {
	ws        *websocket.Conn
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Read returns the next well-formed frame. Malformed messages are logged and skipped
// so that one bad payload does not end the connection.
func (c *wsConn) Read(ctx context.Context) (realtime.Frame, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.logger.Debug("WebSocket closed by server", "status", websocket.CloseStatus(err))
			}
			return realtime.Frame{}, err
		}

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		return f, nil
	}
}

// Write sends f as a text message.
func (c *wsConn) Write(ctx context.Context, f realtime.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close sends a normal closure. Repeated calls return the first result.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return c.closeErr
}
