package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"keysynth/internal/protocol"

	"github.com/gorilla/websocket"
)

var ErrClientClosed = errors.New("api: client closed")

// Client drives a running daemon over its WebSocket endpoint.
type Client struct {
	conn *websocket.Conn

	writeMu  sync.Mutex
	mu       sync.Mutex
	nextID   int
	pending  map[string]chan protocol.ResultPayload
	onStatus func(protocol.StatusPayload)
	err      error
	done     chan struct{}
}

// Dial connects to the daemon at addr (host:port).
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	log.Printf("API Client: Connecting to %s", u.String())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("api: %s rejected the token", addr)
		}
		return nil, err
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan protocol.ResultPayload),
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *Client) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("API Client: Invalid message: %v", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeResult:
			var res protocol.ResultPayload
			if err := msg.Decode(&res); err != nil {
				log.Printf("API Client: Invalid result: %v", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- res
			}

		case protocol.TypeStatus:
			var st protocol.StatusPayload
			c.mu.Lock()
			fn := c.onStatus
			c.mu.Unlock()
			if err := msg.Decode(&st); err == nil && fn != nil {
				fn(st)
			}
		}
	}
}

// OnStatus sets the function called from the read loop for every status
// broadcast.
func (c *Client) OnStatus(fn func(protocol.StatusPayload)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Send sends one command and waits for its result. A result carrying an
// error is returned as an error.
func (c *Client) Send(ctx context.Context, typ protocol.MessageType, payload any) (*protocol.StatusPayload, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrClientClosed, err)
	}
	c.nextID++
	id := strconv.Itoa(c.nextID)
	ch := make(chan protocol.ResultPayload, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg, err := protocol.NewMessage(typ, id, payload)
	if err == nil {
		err = c.write(ctx, msg)
	}
	if err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if !res.OK {
			return nil, errors.New(res.Error)
		}
		return res.Status, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(msg)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the connection and waits for the read loop to end.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
