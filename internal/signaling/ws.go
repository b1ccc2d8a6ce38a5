package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64 // outgoing frame channel capacity
)

// WSChannel is a Channel over a WebSocket connection to the relay Server.
// The relay authenticates the connection and stamps the sender identity on
// every frame it forwards.
type WSChannel struct {
	conn *websocket.Conn
	self string
	seq  *sequencer
	in   *inbound

	outbox chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Dial connects to the relay at url as userID, authenticating with token.
func Dial(ctx context.Context, url, userID, token string) (*WSChannel, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	cCtx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		conn:   conn,
		self:   userID,
		seq:    newSequencer(),
		in:     newInbound(userID),
		outbox: make(chan []byte, sendBufferSize),
		ctx:    cCtx,
		cancel: cancel,
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Send enqueues ev for the relay. It blocks while the outbox is full.
func (c *WSChannel) Send(ctx context.Context, to string, ev protocol.Event) error {
	data, err := c.seq.encode(c.self, to, ev)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages implements Channel.
func (c *WSChannel) Messages() <-chan Message { return c.in.messages() }

// Done is closed when the connection is lost or closed.
func (c *WSChannel) Done() <-chan struct{} { return c.ctx.Done() }

// Close shuts the connection down. Safe to call multiple times.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.in.close()
		err = c.conn.Close()
	})
	return err
}

func (c *WSChannel) readLoop() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				util.LogWarning("signaling connection lost: %v", err)
			}
			return
		}
		c.in.handle(data)
	}
}

// writeLoop is the single writer of the connection.
func (c *WSChannel) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogError("failed to write signaling frame: %v", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
