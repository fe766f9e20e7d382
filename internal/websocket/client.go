package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 512 * 1024
	handshakeTimeout = 10 * time.Second
	sendQueueSize    = 256
)

// StatusClosed is delivered to requests still pending when the connection
// goes away.
const StatusClosed = -1

var (
	ErrStopped   = errors.New("websocket: client is stopped")
	ErrSendFull  = errors.New("websocket: send channel is full")
	ErrNotDialed = errors.New("websocket: not connected")
)

// Config holds control channel connection settings.
type Config struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// URL builds the control endpoint address.
func (c Config) URL() (string, error) {
	scheme := c.Scheme
	switch scheme {
	case "", "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	if c.Host == "" {
		return "", fmt.Errorf("empty host")
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	u := url.URL{Scheme: scheme, Host: host, Path: c.Path}
	return u.String(), nil
}

// Request is a client-to-server control frame.
type Request struct {
	ID       string          `json:"id"`
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Response is a server-to-client control frame. Frames without an id are
// server pushes and are routed by function name.
type Response struct {
	ID         string          `json:"id,omitempty"`
	Function   string          `json:"function"`
	StatusCode int             `json:"statusCode"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// ResponseHandler receives a decoded frame and the bytes it came from. It
// runs on the read goroutine.
type ResponseHandler func(raw []byte, resp Response)

// Client manages one control connection to the server. It does not
// reconnect; the caller opens a new client after a close.
type Client struct {
	config   Config
	conn     *websocket.Conn
	connMu   sync.RWMutex
	done     chan struct{}
	sendChan chan []byte
	stopOnce sync.Once
	closed   chan struct{}

	handlersMu    sync.Mutex
	pending       map[string]pendingCall
	subscriptions map[string]ResponseHandler
	shut          bool

	onClose func(err error)
}

type pendingCall struct {
	function string
	handler  ResponseHandler
}

// New creates a control channel client. onClose runs once, on the read
// goroutine, when the connection ends for any reason.
func New(cfg Config, onClose func(err error)) *Client {
	return &Client{
		config:        cfg,
		done:          make(chan struct{}),
		closed:        make(chan struct{}),
		sendChan:      make(chan []byte, sendQueueSize),
		pending:       make(map[string]pendingCall),
		subscriptions: make(map[string]ResponseHandler),
		onClose:       onClose,
	}
}

// Dial connects and starts the read and write pumps.
func (c *Client) Dial(ctx context.Context) error {
	wsURL, err := c.config.URL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	select {
	case <-c.done:
		c.connMu.Unlock()
		conn.Close()
		return ErrStopped
	default:
	}
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected", "server", wsURL)

	pumpDone := make(chan struct{})
	go c.writePump(conn, pumpDone)
	go func() {
		err := c.readPump(conn)
		close(pumpDone)
		c.failPending()
		close(c.closed)
		if c.onClose != nil {
			c.onClose(err)
		}
	}()
	return nil
}

// Closed is closed after the read pump exits and onClose has been called.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Stop gracefully closes the connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

// Call sends a request and registers h for the reply carrying the same id.
// It returns the generated request id.
func (c *Client) Call(function string, payload any, h ResponseHandler) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	req := Request{
		ID:       uuid.NewString(),
		Function: function,
		Payload:  body,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	c.handlersMu.Lock()
	if c.shut {
		c.handlersMu.Unlock()
		return "", ErrStopped
	}
	if h != nil {
		c.pending[req.ID] = pendingCall{function: function, handler: h}
	}
	c.handlersMu.Unlock()

	if err := c.enqueue(data); err != nil {
		c.handlersMu.Lock()
		delete(c.pending, req.ID)
		c.handlersMu.Unlock()
		return "", err
	}
	log.Debug("request queued", logging.KeyFunction, function, logging.KeyRequestID, req.ID)
	return req.ID, nil
}

// Subscribe routes every server push for function to h, replacing any
// previous handler.
func (c *Client) Subscribe(function string, h ResponseHandler) {
	c.handlersMu.Lock()
	c.subscriptions[function] = h
	c.handlersMu.Unlock()
}

// Unsubscribe removes the push handler for function.
func (c *Client) Unsubscribe(function string) {
	c.handlersMu.Lock()
	delete(c.subscriptions, function)
	c.handlersMu.Unlock()
}

func (c *Client) enqueue(data []byte) error {
	c.connMu.RLock()
	dialed := c.conn != nil
	c.connMu.RUnlock()
	if !dialed {
		return ErrNotDialed
	}

	select {
	case <-c.done:
		return ErrStopped
	case <-c.closed:
		return ErrStopped
	default:
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return ErrSendFull
	}
}

func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
				return err
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var resp Response
		if err := json.Unmarshal(message, &resp); err != nil {
			log.Warn("failed to parse message", "error", err)
			continue
		}

		c.dispatch(message, resp)
	}
}

func (c *Client) dispatch(raw []byte, resp Response) {
	c.handlersMu.Lock()
	var h ResponseHandler
	if resp.ID != "" {
		// Replies never reach subscriptions, even when nobody waits for them.
		if call, ok := c.pending[resp.ID]; ok {
			delete(c.pending, resp.ID)
			h = call.handler
		}
	} else {
		h = c.subscriptions[resp.Function]
	}
	c.handlersMu.Unlock()

	if h == nil {
		log.Debug("unrouted message", logging.KeyFunction, resp.Function, logging.KeyRequestID, resp.ID)
		return
	}
	h(raw, resp)
}

// failPending answers every outstanding request with StatusClosed so no
// caller waits on a reply that will never come.
func (c *Client) failPending() {
	c.handlersMu.Lock()
	c.shut = true
	pending := c.pending
	c.pending = make(map[string]pendingCall)
	c.handlersMu.Unlock()

	for id, call := range pending {
		resp := Response{ID: id, Function: call.function, StatusCode: StatusClosed}
		raw, _ := json.Marshal(resp)
		call.handler(raw, resp)
	}
}

func (c *Client) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
