package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongTimeout      = 90 * time.Second
	pingInterval     = 30 * time.Second
	receiveBuffer    = 64
)

// Gateway is the websocket implementation of Conn. One goroutine pumps
// inbound frames into the receive channel; the keepalive pinger is the
// only other writer, so all frame writes share one mutex.
type Gateway struct {
	conn    *websocket.Conn
	frames  chan Frame
	done    chan struct{}
	writeMu sync.Mutex
	closed  sync.Once
	log     zerolog.Logger
}

// Dial connects to the platform gateway, identifies as a persona, and
// starts the read pump. The ready frame arrives through Receive.
func Dial(ctx context.Context, gatewayURL, token, persona string, log zerolog.Logger) (*Gateway, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	g := &Gateway{
		conn:   conn,
		frames: make(chan Frame, receiveBuffer),
		done:   make(chan struct{}),
		log:    log,
	}

	identify, err := NewFrame(OpIdentify, 0, Identify{Token: token, Persona: persona})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := g.Write(identify); err != nil {
		conn.Close()
		return nil, fmt.Errorf("identify: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	go g.readPump()
	go g.keepalive()
	return g, nil
}

// Receive returns the inbound frame stream. The channel closes when
// the connection drops.
func (g *Gateway) Receive() <-chan Frame {
	return g.frames
}

// Write sends one frame to the gateway.
func (g *Gateway) Write(f Frame) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteJSON(f)
}

// Close tears the connection down.
func (g *Gateway) Close() error {
	var err error
	g.closed.Do(func() {
		close(g.done)
		err = g.conn.Close()
	})
	return err
}

func (g *Gateway) readPump() {
	defer close(g.frames)
	for {
		var f Frame
		if err := g.conn.ReadJSON(&f); err != nil {
			select {
			case <-g.done:
			default:
				g.log.Warn().Err(err).Msg("gateway connection lost")
			}
			g.Close()
			return
		}
		select {
		case g.frames <- f:
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.writeMu.Lock()
			g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := g.conn.WriteMessage(websocket.PingMessage, nil)
			g.writeMu.Unlock()
			if err != nil {
				g.Close()
				return
			}
		case <-g.done:
			return
		}
	}
}
