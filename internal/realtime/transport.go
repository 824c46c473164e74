package realtime

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is an established message transport. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens transports to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials websocket endpoints.
type WSDialer struct {
	Header    http.Header
	ReadLimit int64
}

// DefaultReadLimit bounds one received message; processed images are large.
const DefaultReadLimit = 16 << 20

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return c, nil
}
