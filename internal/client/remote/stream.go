package remote

import (
	"context"
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"github.com/gorilla/websocket"
)

// Stream is an open realtime connection. Events arrive as "something changed"
// hints; the payload never carries data.
type Stream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Subscribe opens the realtime stream for the device.
func (c *Client) Subscribe(ctx context.Context, credentials Credentials) (*Stream, error) {
	const path = "/v1/sync/stream"
	target := c.endpoint(path)
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	header := http.Header{}
	setCredentials(header, credentials)
	conn, response, err := c.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if response != nil {
			_ = response.Body.Close()
			return nil, &StatusError{Path: path, StatusCode: response.StatusCode}
		}
		return nil, &TransportError{Path: path, Err: err}
	}

	stream := &Stream{conn: conn}
	// Unblock Next when the caller gives up.
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()
	return stream, nil
}

// Next blocks until the server sends an event or the connection ends.
func (s *Stream) Next() (wire.StreamEvent, error) {
	var event wire.StreamEvent
	if err := s.conn.ReadJSON(&event); err != nil {
		return wire.StreamEvent{}, &TransportError{Path: "/v1/sync/stream", Err: err}
	}
	return event, nil
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Listen subscribes and hands every event to handle until the connection
// drops or ctx ends. It always returns a non-nil error.
func (c *Client) Listen(ctx context.Context, credentials Credentials, handle func(wire.StreamEvent)) error {
	stream, err := c.Subscribe(ctx, credentials)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	for {
		event, err := stream.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		handle(event)
	}
}
