// Package transporttest provides a scripted transport.Service for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TheChosenO1/pamplejuce/internal/transport"
)

// Call records one Request.
type Call struct {
	Channel  transport.ChannelID
	Function transport.Function
	Payload  any
}

// Packet records one SendData.
type Packet struct {
	Channel transport.ChannelID
	Payload []byte
	Meta    any
}

// Fake answers requests with scripted status codes. Every callback runs on
// a fresh goroutine, never on the caller's.
type Fake struct {
	// Errors returned by the corresponding operations.
	InitErr error
	OpenErr error
	SendErr error

	// ControlFails fires OnError instead of OnInit when a control channel
	// is opened.
	ControlFails bool

	// AutoSubscribe pushes a subscribed notification carrying
	// SubscribeStatus as soon as the subscription is registered.
	AutoSubscribe   bool
	SubscribeStatus int

	mu          sync.Mutex
	status      map[transport.Function]int
	nextChannel transport.ChannelID
	nextStream  int64
	events      map[transport.ChannelID]transport.ChannelEvents
	senders     map[transport.ChannelID]*transport.SenderRequest
	subscribed  transport.ResponseFunc
	calls       []Call
	packets     []Packet
	closed      []transport.ChannelID
	sentCh      chan struct{}
}

var _ transport.Service = (*Fake)(nil)

// New returns a Fake that answers every request with status 0 and confirms
// subscriptions.
func New() *Fake {
	return &Fake{
		AutoSubscribe: true,
		status:        make(map[transport.Function]int),
		nextChannel:   1,
		nextStream:    100,
		events:        make(map[transport.ChannelID]transport.ChannelEvents),
		senders:       make(map[transport.ChannelID]*transport.SenderRequest),
		sentCh:        make(chan struct{}, 1),
	}
}

// SetStatus scripts the status code returned for fn.
func (f *Fake) SetStatus(fn transport.Function, code int) {
	f.mu.Lock()
	f.status[fn] = code
	f.mu.Unlock()
}

func (f *Fake) InitProtocols(context.Context, transport.ControlConfig) error {
	return f.InitErr
}

func (f *Fake) OpenControlChannel(_ context.Context, _ transport.ControlConfig, events transport.ChannelEvents) (transport.ChannelID, error) {
	if f.OpenErr != nil {
		return transport.NoChannel, f.OpenErr
	}
	f.mu.Lock()
	id := f.nextChannel
	f.nextChannel++
	f.events[id] = events
	fails := f.ControlFails
	f.mu.Unlock()

	go func() {
		if fails {
			if events.OnError != nil {
				events.OnError(id, fmt.Errorf("transporttest: scripted control failure"))
			}
			return
		}
		if events.OnInit != nil {
			events.OnInit(id)
		}
	}()
	return id, nil
}

func (f *Fake) Request(ch transport.ChannelID, fn transport.Function, payload any, cb transport.ResponseFunc) error {
	f.mu.Lock()
	if _, ok := f.events[ch]; !ok {
		f.mu.Unlock()
		return transport.ErrUnknownChannel
	}
	f.calls = append(f.calls, Call{Channel: ch, Function: fn, Payload: payload})
	code := f.status[fn]
	f.mu.Unlock()

	switch fn {
	case transport.FuncSubscribed:
		f.mu.Lock()
		f.subscribed = cb
		f.mu.Unlock()
		if f.AutoSubscribe {
			f.PushSubscribed(f.SubscribeStatus)
		}
	case transport.FuncCreateSender:
		req, ok := payload.(*transport.SenderRequest)
		if !ok {
			return transport.ErrBadPayload
		}
		go f.answerCreateSender(req, code, cb)
	default:
		go reply(cb, ch, fn, code, nil)
	}
	return nil
}

func (f *Fake) answerCreateSender(req *transport.SenderRequest, code int, cb transport.ResponseFunc) {
	if code != 0 {
		reply(cb, transport.NoChannel, transport.FuncCreateSender, code, nil)
		return
	}

	f.mu.Lock()
	id := f.nextChannel
	f.nextChannel++
	stream := f.nextStream
	f.nextStream++
	f.senders[id] = req
	f.mu.Unlock()

	if req.OnInit != nil {
		req.OnInit(id)
	}
	reply(cb, id, transport.FuncCreateSender, code, transport.SenderCreated{StreamID: stream, Port: 30000 + int(stream)})
}

func reply(cb transport.ResponseFunc, ch transport.ChannelID, fn transport.Function, code int, msg any) {
	if cb == nil {
		return
	}
	var body json.RawMessage
	if msg != nil {
		body, _ = json.Marshal(msg)
	}
	raw, _ := json.Marshal(map[string]any{
		"function":   fn,
		"statusCode": code,
		"message":    body,
	})
	cb(ch, string(raw), transport.Response{StatusCode: code, Message: body})
}

// PushSubscribed delivers a subscribed notification to the registered
// callback.
func (f *Fake) PushSubscribed(code int) {
	f.mu.Lock()
	cb := f.subscribed
	f.mu.Unlock()
	go reply(cb, transport.NoChannel, transport.FuncSubscribed, code, nil)
}

// Feedback delivers a probe feedback report for data channel ch. It runs
// synchronously so tests can order reports.
func (f *Fake) Feedback(ch transport.ChannelID, index uint32, transitUs int64) bool {
	f.mu.Lock()
	req, ok := f.senders[ch]
	f.mu.Unlock()
	if !ok || req.OnFeedback == nil {
		return false
	}
	req.OnFeedback(index, transitUs)
	return true
}

// SenderRequest returns the create_sender payload that opened ch.
func (f *Fake) SenderRequest(ch transport.ChannelID) (*transport.SenderRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.senders[ch]
	return req, ok
}

func (f *Fake) SendData(ch transport.ChannelID, payload []byte, meta any) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	if _, ok := f.senders[ch]; !ok {
		f.mu.Unlock()
		return transport.ErrUnknownChannel
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.packets = append(f.packets, Packet{Channel: ch, Payload: cp, Meta: meta})
	f.mu.Unlock()

	select {
	case f.sentCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *Fake) CloseChannel(ch transport.ChannelID) error {
	f.mu.Lock()
	f.closed = append(f.closed, ch)
	events, isControl := f.events[ch]
	delete(f.events, ch)
	delete(f.senders, ch)
	f.mu.Unlock()

	if isControl && events.OnUninit != nil {
		go events.OnUninit(ch)
	}
	return nil
}

func (f *Fake) Close() error {
	return nil
}

// Calls returns every request made for fn, or all requests when fn is empty.
func (f *Fake) Calls(fn transport.Function) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if fn == "" || c.Function == fn {
			out = append(out, c)
		}
	}
	return out
}

// Packets returns every payload sent on ch, or on any channel when ch is
// transport.NoChannel.
func (f *Fake) Packets(ch transport.ChannelID) []Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Packet
	for _, p := range f.packets {
		if ch == transport.NoChannel || p.Channel == ch {
			out = append(out, p)
		}
	}
	return out
}

// WaitPackets blocks until at least n payloads were sent on ch.
func (f *Fake) WaitPackets(ch transport.ChannelID, n int, timeout time.Duration) []Packet {
	deadline := time.After(timeout)
	for {
		if pkts := f.Packets(ch); len(pkts) >= n {
			return pkts
		}
		select {
		case <-f.sentCh:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return f.Packets(ch)
		}
	}
}

// Closed returns the channels passed to CloseChannel.
func (f *Fake) Closed() []transport.ChannelID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.ChannelID(nil), f.closed...)
}
