package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheChosenO1/pamplejuce/internal/datachannel"
	"github.com/TheChosenO1/pamplejuce/internal/logging"
	"github.com/TheChosenO1/pamplejuce/internal/websocket"
)

var log = logging.L("transport")

const (
	defaultDialTimeout = 10 * time.Second
	closeWait          = 2 * time.Second
)

// Options tune the concrete client.
type Options struct {
	DialTimeout time.Duration
}

// Client implements Service with a websocket control channel and RTP over
// UDP data channels.
type Client struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	initialized bool
	closed      bool
	nextID      ChannelID
	controls    map[ChannelID]*controlChannel
	data        map[ChannelID]*dataChannel
}

type controlChannel struct {
	ws  *websocket.Client
	cfg ControlConfig
}

type dataChannel struct {
	conn     *datachannel.Conn
	control  ChannelID
	streamID int64
}

var _ Service = (*Client)(nil)

// NewClient creates an idle client. InitProtocols must succeed before any
// channel is opened.
func NewClient(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		nextID:   1,
		controls: make(map[ChannelID]*controlChannel),
		data:     make(map[ChannelID]*dataChannel),
	}
}

// InitProtocols checks that cfg names protocols this client speaks and that
// the server host resolves.
func (c *Client) InitProtocols(ctx context.Context, cfg ControlConfig) error {
	switch strings.ToLower(cfg.Scheme) {
	case "ws", "wss":
	default:
		return fmt.Errorf("transport: unsupported control scheme %q", cfg.Scheme)
	}
	if proto := strings.ToLower(cfg.DataProtocol); proto != "" && proto != "udp" {
		return fmt.Errorf("transport: unsupported data protocol %q", cfg.DataProtocol)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("transport: control port %d out of range", cfg.Port)
	}
	if net.ParseIP(cfg.Host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, cfg.Host); err != nil {
			return fmt.Errorf("transport: resolve %s: %w", cfg.Host, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.initialized = true
	log.Info("protocols initialized", "scheme", cfg.Scheme, "host", cfg.Host, "port", cfg.Port)
	return nil
}

// OpenControlChannel allocates a channel id and connects in the background.
// Exactly one of OnInit or OnError follows; OnUninit fires when an
// established channel closes.
func (c *Client) OpenControlChannel(_ context.Context, cfg ControlConfig, events ChannelEvents) (ChannelID, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return NoChannel, ErrClosed
	}
	if !c.initialized {
		c.mu.Unlock()
		return NoChannel, ErrNotInitialized
	}
	id := c.allocLocked()
	c.mu.Unlock()

	ws := websocket.New(websocket.Config{
		Scheme: cfg.Scheme,
		Host:   cfg.Host,
		Port:   cfg.Port,
		Path:   cfg.Path,
	}, func(err error) {
		c.mu.Lock()
		delete(c.controls, id)
		c.mu.Unlock()
		log.Info("control channel closed", logging.KeyChannelID, int64(id), "error", err)
		if events.OnUninit != nil {
			events.OnUninit(id)
		}
	})

	c.mu.Lock()
	c.controls[id] = &controlChannel{ws: ws, cfg: cfg}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		defer cancel()
		if err := ws.Dial(ctx); err != nil {
			c.mu.Lock()
			delete(c.controls, id)
			c.mu.Unlock()
			log.Warn("control channel failed", logging.KeyChannelID, int64(id), "error", err)
			if events.OnError != nil {
				events.OnError(id, err)
			}
			return
		}
		if events.OnInit != nil {
			events.OnInit(id)
		}
	}()

	return id, nil
}

func (c *Client) allocLocked() ChannelID {
	id := c.nextID
	c.nextID++
	return id
}

// Request sends fn on control channel ch. cb runs on the control channel's
// read goroutine, or on a dial goroutine for create_sender.
func (c *Client) Request(ch ChannelID, fn Function, payload any, cb ResponseFunc) error {
	c.mu.Lock()
	cc, ok := c.controls[ch]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("request %s on channel %d: %w", fn, ch, ErrUnknownChannel)
	}

	var err error
	switch fn {
	case FuncSubscribed:
		err = c.subscribe(ch, cc, payload, cb)
	case FuncCreateSender:
		err = c.createSender(ch, cc, payload, cb)
	default:
		_, err = cc.ws.Call(string(fn), payload, func(raw []byte, resp websocket.Response) {
			if cb != nil {
				cb(ch, string(raw), Response{StatusCode: resp.StatusCode, Message: resp.Message})
			}
		})
	}
	if err != nil {
		return fmt.Errorf("request %s: %w", fn, err)
	}
	return nil
}

// subscribe routes server pushes for fn to cb. The registration ack itself is
// not a notification.
func (c *Client) subscribe(ch ChannelID, cc *controlChannel, payload any, cb ResponseFunc) error {
	cc.ws.Subscribe(string(FuncSubscribed), func(raw []byte, resp websocket.Response) {
		if cb != nil {
			cb(ch, string(raw), Response{StatusCode: resp.StatusCode, Message: resp.Message})
		}
	})
	_, err := cc.ws.Call(string(FuncSubscribed), payload, func(_ []byte, resp websocket.Response) {
		if resp.StatusCode != 0 {
			log.Warn("subscription rejected", logging.KeyChannelID, int64(ch), logging.KeyStatusCode, resp.StatusCode)
		}
	})
	return err
}

func (c *Client) createSender(ch ChannelID, cc *controlChannel, payload any, cb ResponseFunc) error {
	var req *SenderRequest
	switch p := payload.(type) {
	case *SenderRequest:
		req = p
	case SenderRequest:
		req = &p
	default:
		return ErrBadPayload
	}

	_, err := cc.ws.Call(string(FuncCreateSender), req, func(raw []byte, resp websocket.Response) {
		out := Response{StatusCode: resp.StatusCode, Message: resp.Message}
		if resp.StatusCode != 0 {
			if cb != nil {
				cb(NoChannel, string(raw), out)
			}
			return
		}

		var created SenderCreated
		if err := json.Unmarshal(resp.Message, &created); err != nil || created.Port <= 0 {
			log.Warn("create_sender reply has no data port", "error", err)
			out.StatusCode = StatusDataChannel
			if cb != nil {
				cb(NoChannel, string(raw), out)
			}
			return
		}

		// Dialing must not stall the control channel's read goroutine.
		go c.openDataChannel(ch, cc.cfg, created, req, string(raw), out, cb)
	})
	return err
}

func (c *Client) openDataChannel(control ChannelID, cfg ControlConfig, created SenderCreated, req *SenderRequest, raw string, resp Response, cb ResponseFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	id := c.allocLocked()
	c.mu.Unlock()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(created.Port))
	handlers := datachannel.Handlers{
		OnError: func(err error) {
			if req.OnError != nil {
				req.OnError(id, err)
			}
		},
	}
	if req.OnFeedback != nil {
		handlers.OnFeedback = req.OnFeedback
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()
	conn, err := datachannel.Dial(ctx, datachannel.Config{
		Addr: addr,
		SSRC: uint32(created.StreamID),
		DSCP: cfg.DSCP,
	}, handlers)
	if err != nil {
		logging.WithStream(log, created.StreamID, req.StreamType).Warn("data channel dial failed", "error", err)
		if req.OnError != nil {
			req.OnError(NoChannel, err)
		}
		resp.StatusCode = StatusDataChannel
		if cb != nil {
			cb(NoChannel, raw, resp)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.data[id] = &dataChannel{conn: conn, control: control, streamID: created.StreamID}
	c.mu.Unlock()

	if req.OnInit != nil {
		req.OnInit(id)
	}
	if cb != nil {
		cb(id, raw, resp)
	}
}

// SendData writes payload on data channel ch with meta serialized as JSON.
// A []byte or json.RawMessage meta is sent as is.
func (c *Client) SendData(ch ChannelID, payload []byte, meta any) error {
	c.mu.Lock()
	dc, ok := c.data[ch]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("send on channel %d: %w", ch, ErrUnknownChannel)
	}

	var metaBytes []byte
	switch m := meta.(type) {
	case nil:
	case []byte:
		metaBytes = m
	case json.RawMessage:
		metaBytes = m
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaBytes = b
	}

	if err := dc.conn.Send(payload, metaBytes); err != nil {
		return fmt.Errorf("send on channel %d: %w", ch, err)
	}
	return nil
}

// DataStats returns traffic counters for data channel ch.
func (c *Client) DataStats(ch ChannelID) (datachannel.Stats, bool) {
	c.mu.Lock()
	dc, ok := c.data[ch]
	c.mu.Unlock()
	if !ok {
		return datachannel.Stats{}, false
	}
	return dc.conn.Stats(), true
}

// CloseChannel closes a control or data channel.
func (c *Client) CloseChannel(ch ChannelID) error {
	c.mu.Lock()
	cc, isControl := c.controls[ch]
	dc, isData := c.data[ch]
	delete(c.data, ch)
	c.mu.Unlock()

	switch {
	case isControl:
		cc.ws.Stop()
		select {
		case <-cc.ws.Closed():
		case <-time.After(closeWait):
		}
		return nil
	case isData:
		log.Debug("closing data channel", logging.KeyChannelID, int64(ch), logging.KeyStreamID, dc.streamID, "control", int64(dc.control))
		return dc.conn.Close()
	default:
		return fmt.Errorf("close channel %d: %w", ch, ErrUnknownChannel)
	}
}

// Close tears down every channel. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	controls := make([]*controlChannel, 0, len(c.controls))
	for _, cc := range c.controls {
		controls = append(controls, cc)
	}
	data := make([]*dataChannel, 0, len(c.data))
	for id, dc := range c.data {
		data = append(data, dc)
		delete(c.data, id)
	}
	c.mu.Unlock()

	c.cancel()
	for _, dc := range data {
		if err := dc.conn.Close(); err != nil {
			log.Debug("data channel close", "error", err)
		}
	}
	for _, cc := range controls {
		cc.ws.Stop()
	}
	log.Info("transport closed")
	return nil
}
