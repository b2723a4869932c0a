package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// Conn is an open, bidirectional connection to one access point.
type Conn interface {
	// Write sends a control message.
	Write(ctx context.Context, m Message) error

	// Read blocks until the next frame arrives.
	Read(ctx context.Context) (Inbound, error)

	// Close releases the connection. It may block briefly on a close
	// handshake, so callers that must not block run it in a goroutine.
	Close() error
}

// Transport dials access points.
type Transport interface {
	Dial(ctx context.Context, ap string) (Conn, error)
}

// Default websocket settings.
const (
	DefaultPath      = "/v1/connect"
	defaultReadLimit = 1 << 20
)

// WSTransport dials access points over websocket. The access point string
// is a host:port; the URL is built as Scheme://host:port/Path.
type WSTransport struct {
	// Scheme is "ws" or "wss". Default "wss".
	Scheme string

	// Path is the endpoint path. Default [DefaultPath].
	Path string

	// Header is sent with the upgrade request.
	Header http.Header

	// HTTPClient overrides the client used for the upgrade request.
	HTTPClient *http.Client
}

// Compile-time interface check.
var _ Transport = (*WSTransport)(nil)

// Dial implements [Transport].
func (t *WSTransport) Dial(ctx context.Context, ap string) (Conn, error) {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "wss"
	}
	path := t.Path
	if path == "" {
		path = DefaultPath
	}
	u := url.URL{Scheme: scheme, Host: ap, Path: path}

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: t.Header,
		HTTPClient: t.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	c.SetReadLimit(defaultReadLimit)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Read(ctx context.Context) (Inbound, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return Inbound{}, err
	}
	if typ == websocket.MessageBinary {
		var p AudioPacket
		if err := p.UnmarshalBinary(data); err != nil {
			return Inbound{}, err
		}
		return Inbound{Audio: &p}, nil
	}
	m, err := decodeMessage(data)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Message: m}, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closing")
}
