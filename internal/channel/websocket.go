package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"
)

// WebsocketDialer opens push channels over websocket. BaseURL is either the
// server root (ws://host:8000) or the API root (ws://host:8000/api/v1).
type WebsocketDialer struct {
	BaseURL string
	Origin  string
	Header  http.Header
}

// URL resolves the endpoint for a channel name.
func (d WebsocketDialer) URL(name string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	if name != "violations" {
		return base + "/ws/" + name
	}
	if strings.Contains(base, "/api/v1") {
		return base + "/violations/ws"
	}
	return base + "/ws/violations"
}

func (d WebsocketDialer) Dial(ctx context.Context, name string) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		var err error
		if origin, err = originFor(d.BaseURL); err != nil {
			return nil, err
		}
	}

	cfg, err := websocket.NewConfig(d.URL(name), origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if d.Header != nil {
		cfg.Header = d.Header.Clone()
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

func originFor(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse websocket base url: %w", err)
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
