package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/ferngale/syncroom/internal/protocol"
)

// ClientEventKind classifies client-side channel events.
type ClientEventKind int

const (
	ClientConnected ClientEventKind = iota
	ClientDisconnected
	ClientCommand
)

// ClientEvent is one occurrence on the client side of the channel.
type ClientEvent struct {
	Kind    ClientEventKind
	Command *protocol.Command
}

// newReconnectBackoff builds the reconnect schedule: 1 s initial, doubling to
// a 30 s ceiling, no jitter, never giving up. Reset on successful connect.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.Reset()
	return b
}

// Client is the client end of the command channel. The initial dial fails
// fast; once connected, an unexpected close engages the reconnect loop until
// Disconnect is called.
type Client struct {
	url string

	mu sync.Mutex
	ws *websocket.Conn

	events chan ClientEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// Dial connects to the master's command channel at url (ws://host:port/sync).
// A failure here is a join failure and is returned synchronously.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", url, err)
	}

	c := &Client{
		url:    url,
		ws:     ws,
		events: make(chan ClientEvent, 64),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.manage(ws)
	return c, nil
}

// Events returns the inbound event stream. Never closed; stop consuming
// after Disconnect.
func (c *Client) Events() <-chan ClientEvent { return c.events }

// Send writes a record (command or response) to the master. A send while
// disconnected fails; callers treat any error as "master unreachable right
// now" and rely on the reconnect loop, not inline retry.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("transport: not connected")
	}

	data, err := protocol.Encode(v)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Disconnect permanently closes the channel and disables reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	close(c.done)
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	c.wg.Wait()
}

func (c *Client) manage(ws *websocket.Conn) {
	defer c.wg.Done()
	bo := newReconnectBackoff()

	for {
		c.emit(ClientEvent{Kind: ClientConnected})
		c.readLoop(ws)
		c.emit(ClientEvent{Kind: ClientDisconnected})

		select {
		case <-c.done:
			return
		default:
		}

		var err error
		ws, err = c.reconnect(bo)
		if err != nil {
			return // Disconnect was called mid-backoff
		}
		bo.Reset()

		// Disconnect may have landed while the dial was in flight. The check
		// shares the mutex with Disconnect, so either it sees done closed and
		// drops the fresh connection, or Disconnect sees the stored conn and
		// closes it.
		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			_ = ws.Close()
			return
		default:
		}
		c.ws = ws
		c.mu.Unlock()
	}
}

// reconnect dials until success or Disconnect, sleeping the backoff schedule
// between attempts.
func (c *Client) reconnect(bo *backoff.ExponentialBackOff) (*websocket.Conn, error) {
	for {
		wait := bo.NextBackOff()
		log.Printf("level=info msg=\"command channel lost, reconnecting\" url=%s wait=%s", c.url, wait)

		timer := time.NewTimer(wait)
		select {
		case <-c.done:
			timer.Stop()
			return nil, fmt.Errorf("transport: disconnected")
		case <-timer.C:
		}

		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			log.Printf("level=info msg=\"command channel reconnected\" url=%s", c.url)
			return ws, nil
		}
		log.Printf("level=warn msg=\"reconnect attempt failed\" url=%s err=%v", c.url, err)
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(payload string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		// Answer the keep-alive so the server sees us as live.
		return ws.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			log.Printf("level=warn msg=\"malformed command\" err=%v", err)
			continue
		}
		c.emit(ClientEvent{Kind: ClientCommand, Command: cmd})
	}
}

func (c *Client) emit(ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
		log.Printf("level=warn msg=\"client event dropped, consumer too slow\" kind=%d", ev.Kind)
	}
}
