package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lingomesh/lingomesh/pkg/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	keepaliveEvery   = 30 * time.Second
	requestTimeout   = 5 * time.Second

	reconnectBase = 1 * time.Second
	reconnectMax  = 60 * time.Second
)

// Client holds the WebSocket connection to the relay server for one room.
// It reconnects with exponential backoff and re-announces presence after
// every reconnect, so callers only ever see a registered-handler view of
// the room.
type Client struct {
	relayURL    string
	apiKey      string
	roomID      string
	userID      string
	displayName string

	conn  *websocket.Conn
	mutex sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	frameHandlers     map[string]FrameHandler
	onConnectHandlers []OnConnectHandler
	handlerMutex      sync.RWMutex

	outboundChan chan *OutboundFrame

	// waiters correlate request frames with their replies by request ID.
	waiters     map[string]chan json.RawMessage
	waiterMutex sync.Mutex

	logger *logger.Logger

	reconnecting   bool
	reconnectMutex sync.Mutex
}

// NewClient creates a relay client for one room. It does not connect.
func NewClient(relayURL string, log *logger.Logger) *Client {
	return &Client{
		relayURL:      relayURL,
		frameHandlers: make(map[string]FrameHandler),
		outboundChan:  make(chan *OutboundFrame, 100),
		waiters:       make(map[string]chan json.RawMessage),
		logger:        log,
	}
}

// Connect joins the room over WebSocket. A failed first attempt does not
// return an error; the client keeps retrying in the background until the
// context ends.
func (c *Client) Connect(ctx context.Context, apiKey, roomID, userID, displayName string) {
	c.apiKey = apiKey
	c.roomID = roomID
	c.userID = userID
	c.displayName = displayName

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connectOnce(c.ctx); err != nil {
		c.logger.Warn("[Relay] Connection failed: %v, will retry in background", err)
		go c.reconnect()
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	base := c.relayURL
	if after, ok := strings.CutPrefix(base, "http://"); ok {
		base = "ws://" + after
	} else if after, ok := strings.CutPrefix(base, "https://"); ok {
		base = "wss://" + after
	}

	wsURL := fmt.Sprintf("%s/ws/rooms/%s?user=%s&name=%s",
		base, url.PathEscape(c.roomID), url.QueryEscape(c.userID), url.QueryEscape(c.displayName))

	c.logger.Debug("[Relay] Connecting to %s", wsURL)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	headers := make(map[string][]string)
	if c.apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + c.apiKey}
	}

	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	c.mutex.Lock()
	c.conn = conn
	c.mutex.Unlock()

	c.logger.Info("[Relay] Connected to room %s as %s", c.roomID, c.userID)

	c.handlerMutex.RLock()
	handlers := make([]OnConnectHandler, len(c.onConnectHandlers))
	copy(handlers, c.onConnectHandlers)
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			c.logger.Warn("[Relay] OnConnect handler error: %v", err)
		}
	}

	go c.readFrames(conn)
	go c.keepalive()
	go c.processOutboundFrames()

	return nil
}

func (c *Client) readFrames(conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Warn("[Relay] Read error: %v", err)
				go c.reconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("[Relay] Failed to unmarshal frame: %v", err)
			continue
		}

		if c.resolveWaiter(&env) {
			continue
		}

		c.handlerMutex.RLock()
		handler, exists := c.frameHandlers[env.Type]
		c.handlerMutex.RUnlock()

		if !exists {
			c.logger.Debug("[Relay] No handler for frame type: %s", env.Type)
			continue
		}
		if err := handler(c.ctx, &env); err != nil {
			c.logger.Warn("[Relay] Handler error for %s: %v", env.Type, err)
		}
	}
}

// resolveWaiter routes a reply frame to its pending request, if any.
func (c *Client) resolveWaiter(env *Envelope) bool {
	if env.Type != TypePending && env.Type != TypeTURNCredentials {
		return false
	}
	var header replyHeader
	if err := json.Unmarshal(env.Data, &header); err != nil || header.RequestID == "" {
		return false
	}

	c.waiterMutex.Lock()
	ch, ok := c.waiters[header.RequestID]
	if ok {
		delete(c.waiters, header.RequestID)
	}
	c.waiterMutex.Unlock()

	if ok {
		ch <- env.Data
	}
	return ok
}

// SendFrame writes a frame synchronously. Fails when disconnected.
func (c *Client) SendFrame(frameType, to string, data any) error {
	c.mutex.RLock()
	conn := c.conn
	c.mutex.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal frame data: %w", err)
		}
		raw = b
	}

	env := Envelope{
		Type: frameType,
		From: c.userID,
		To:   to,
		Data: raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Request sends a frame carrying a fresh request ID and waits for the
// matching reply or the timeout.
func (c *Client) Request(ctx context.Context, frameType string, data map[string]any) (json.RawMessage, error) {
	requestID := uuid.NewString()
	if data == nil {
		data = make(map[string]any)
	}
	data["requestId"] = requestID

	ch := make(chan json.RawMessage, 1)
	c.waiterMutex.Lock()
	c.waiters[requestID] = ch
	c.waiterMutex.Unlock()

	drop := func() {
		c.waiterMutex.Lock()
		delete(c.waiters, requestID)
		c.waiterMutex.Unlock()
	}

	if err := c.SendFrame(frameType, "", data); err != nil {
		drop()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(requestTimeout):
		drop()
		return nil, fmt.Errorf("relay request %s timed out", frameType)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// SetFrameHandler registers the handler for a frame type.
func (c *Client) SetFrameHandler(frameType string, handler FrameHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.frameHandlers[frameType] = handler
}

// AddOnConnectHandler adds a handler run after every successful connect.
func (c *Client) AddOnConnectHandler(handler OnConnectHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.onConnectHandlers = append(c.onConnectHandlers, handler)
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mutex.Lock()
			if c.conn != nil {
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Warn("[Relay] Ping failed: %v", err)
				}
			}
			c.mutex.Unlock()
		}
	}
}

func (c *Client) processOutboundFrames() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.outboundChan:
			if err := c.SendFrame(frame.Type, frame.To, frame.Data); err != nil {
				c.logger.Warn("[Relay] Failed to send outbound %s frame: %v", frame.Type, err)
			}
		}
	}
}

// reconnect dials until it succeeds, backing off exponentially.
func (c *Client) reconnect() {
	c.reconnectMutex.Lock()
	if c.reconnecting {
		c.reconnectMutex.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMutex.Unlock()

	defer func() {
		c.reconnectMutex.Lock()
		c.reconnecting = false
		c.reconnectMutex.Unlock()
	}()

	c.mutex.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mutex.Unlock()

	backoff := reconnectBase
	attempt := 1
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.logger.Info("[Relay] Reconnection attempt #%d", attempt)
		if err := c.connectOnce(c.ctx); err == nil {
			c.logger.Info("[Relay] Reconnected on attempt #%d", attempt)
			return
		} else {
			c.logger.Warn("[Relay] Reconnect failed: %v (retrying in %v)", err, backoff)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
		attempt++
	}
}

// OutboundChannel returns the queue for best-effort frames.
func (c *Client) OutboundChannel() chan<- *OutboundFrame {
	return c.outboundChan
}

// IsConnected reports whether a live connection exists.
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.conn != nil
}

// Close tears the connection down and stops all background goroutines.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.logger.Info("[Relay] Connection closed")
}
