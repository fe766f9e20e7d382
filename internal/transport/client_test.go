package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheChosenO1/pamplejuce/internal/datachannel"
)

type wireRequest struct {
	ID       string          `json:"id"`
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload"`
}

type wireResponse struct {
	ID         string `json:"id,omitempty"`
	Function   string `json:"function"`
	StatusCode int    `json:"statusCode"`
	Message    any    `json:"message,omitempty"`
}

// startServer runs a control endpoint that accepts every request. Senders
// are pointed at dataPort with stream id 7.
func startServer(t *testing.T, dataPort int, authStatus int) ControlConfig {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req wireRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Function {
			case string(FuncAuthenticate):
				conn.WriteJSON(wireResponse{ID: req.ID, Function: req.Function, StatusCode: authStatus})
			case string(FuncCreateSender):
				conn.WriteJSON(wireResponse{ID: req.ID, Function: req.Function, Message: SenderCreated{StreamID: 7, Port: dataPort}})
			case string(FuncSubscribed):
				conn.WriteJSON(wireResponse{ID: req.ID, Function: req.Function})
				conn.WriteJSON(wireResponse{Function: req.Function, StatusCode: 0})
			default:
				conn.WriteJSON(wireResponse{ID: req.ID, Function: req.Function})
			}
		}
	}))
	t.Cleanup(srv.Close)

	host, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	p, _ := strconv.Atoi(port)
	return ControlConfig{Host: host, Port: p, Scheme: "ws", Path: "/control", DataProtocol: "udp"}
}

func openControl(t *testing.T, c *Client, cfg ControlConfig) ChannelID {
	t.Helper()
	if err := c.InitProtocols(context.Background(), cfg); err != nil {
		t.Fatalf("InitProtocols: %v", err)
	}
	up := make(chan ChannelID, 1)
	ch, err := c.OpenControlChannel(context.Background(), cfg, ChannelEvents{
		OnInit:  func(id ChannelID) { up <- id },
		OnError: func(_ ChannelID, err error) { t.Errorf("OnError: %v", err) },
	})
	if err != nil {
		t.Fatalf("OpenControlChannel: %v", err)
	}
	select {
	case got := <-up:
		if got != ch {
			t.Fatalf("OnInit channel = %v, want %v", got, ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control channel did not come up")
	}
	return ch
}

func TestInitProtocolsRejectsUnsupported(t *testing.T) {
	c := NewClient(Options{})
	defer c.Close()

	tests := []ControlConfig{
		{Host: "127.0.0.1", Port: 20010, Scheme: "http"},
		{Host: "127.0.0.1", Port: 20010, Scheme: "ws", DataProtocol: "tcp"},
		{Host: "127.0.0.1", Port: 0, Scheme: "ws"},
	}
	for _, cfg := range tests {
		if err := c.InitProtocols(context.Background(), cfg); err == nil {
			t.Fatalf("InitProtocols(%+v) should fail", cfg)
		}
	}

	if _, err := c.OpenControlChannel(context.Background(), tests[0], ChannelEvents{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("OpenControlChannel before init = %v, want ErrNotInitialized", err)
	}
}

func TestOpenControlChannelReportsDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewClient(Options{DialTimeout: time.Second})
	defer c.Close()
	cfg := ControlConfig{Host: "127.0.0.1", Port: port, Scheme: "ws"}
	if err := c.InitProtocols(context.Background(), cfg); err != nil {
		t.Fatalf("InitProtocols: %v", err)
	}

	failed := make(chan error, 1)
	if _, err := c.OpenControlChannel(context.Background(), cfg, ChannelEvents{
		OnInit:  func(ChannelID) { t.Error("OnInit should not fire") },
		OnError: func(_ ChannelID, err error) { failed <- err },
	}); err != nil {
		t.Fatalf("OpenControlChannel: %v", err)
	}

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("OnError called with nil error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestRequestRoutesStatusCode(t *testing.T) {
	cfg := startServer(t, 1, 7)
	c := NewClient(Options{})
	defer c.Close()
	ch := openControl(t, c, cfg)

	got := make(chan Response, 1)
	err := c.Request(ch, FuncAuthenticate, AuthRequest{Username: "u", Password: "p"}, func(rch ChannelID, raw string, resp Response) {
		if rch != ch {
			t.Errorf("response channel = %v, want %v", rch, ch)
		}
		if !strings.Contains(raw, `"statusCode":7`) {
			t.Errorf("raw = %s, want statusCode 7", raw)
		}
		got <- resp
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	select {
	case resp := <-got:
		if resp.StatusCode != 7 {
			t.Fatalf("StatusCode = %d, want 7", resp.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}

	if err := c.Request(ChannelID(99), FuncAuthenticate, nil, nil); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Request on unknown channel = %v, want ErrUnknownChannel", err)
	}
}

func TestSubscribedPushReachesCallback(t *testing.T) {
	cfg := startServer(t, 1, 0)
	c := NewClient(Options{})
	defer c.Close()
	ch := openControl(t, c, cfg)

	pushes := make(chan Response, 2)
	if err := c.Request(ch, FuncSubscribed, nil, func(_ ChannelID, _ string, resp Response) {
		pushes <- resp
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	select {
	case resp := <-pushes:
		if resp.StatusCode != 0 {
			t.Fatalf("StatusCode = %d, want 0", resp.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed push not delivered")
	}

	select {
	case <-pushes:
		t.Fatal("registration ack should not be delivered as a notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateSenderOpensDataChannel(t *testing.T) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer udp.Close()

	cfg := startServer(t, udp.LocalAddr().(*net.UDPAddr).Port, 0)
	c := NewClient(Options{})
	defer c.Close()
	ch := openControl(t, c, cfg)

	feedback := make(chan uint32, 1)
	initCh := make(chan ChannelID, 1)
	req := &SenderRequest{
		Workspace:  "Holodeck",
		StreamType: "JitterEst",
		Meta:       StreamMeta{Username: "u", Timestamp: 1, Type: "JitterEst"},
		OnInit:     func(id ChannelID) { initCh <- id },
		OnFeedback: func(index uint32, _ int64) { feedback <- index },
	}

	created := make(chan ChannelID, 1)
	if err := c.Request(ch, FuncCreateSender, req, func(dc ChannelID, _ string, resp Response) {
		if resp.StatusCode != 0 {
			t.Errorf("StatusCode = %d, want 0", resp.StatusCode)
		}
		created <- dc
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	var dc ChannelID
	select {
	case dc = <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("create_sender callback not called")
	}
	if dc == NoChannel || dc == ch {
		t.Fatalf("data channel = %v, want a new channel id", dc)
	}
	if got := <-initCh; got != dc {
		t.Fatalf("OnInit channel = %v, want %v", got, dc)
	}

	if err := c.SendData(dc, make([]byte, 1024), ProbeMeta{PacketIndex: 3, Timestamp: 42}); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	buf := make([]byte, 2048)
	udp.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := udp.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	pkt, err := datachannel.DecodePacket(buf[:n])
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if pkt.SSRC != 7 {
		t.Fatalf("SSRC = %d, want stream id 7", pkt.SSRC)
	}
	if len(pkt.Payload) != 1024 {
		t.Fatalf("payload = %d bytes, want 1024", len(pkt.Payload))
	}
	var meta ProbeMeta
	if err := json.Unmarshal(pkt.Meta, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.PacketIndex != 3 || meta.Timestamp != 42 {
		t.Fatalf("meta = %+v, want index 3 timestamp 42", meta)
	}

	fb, _ := datachannel.EncodeFeedback(7, 3, 250)
	udp.WriteToUDP(fb, from)
	select {
	case idx := <-feedback:
		if idx != 3 {
			t.Fatalf("feedback index = %d, want 3", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feedback not routed to OnFeedback")
	}

	if stats, ok := c.DataStats(dc); !ok || stats.PacketsSent != 1 {
		t.Fatalf("DataStats = %+v, %v; want 1 packet", stats, ok)
	}

	if err := c.CloseChannel(dc); err != nil {
		t.Fatalf("CloseChannel: %v", err)
	}
	if err := c.SendData(dc, []byte{0}, nil); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("SendData after close = %v, want ErrUnknownChannel", err)
	}
}

func TestCloseChannelFiresUninit(t *testing.T) {
	cfg := startServer(t, 1, 0)
	c := NewClient(Options{})
	defer c.Close()

	if err := c.InitProtocols(context.Background(), cfg); err != nil {
		t.Fatalf("InitProtocols: %v", err)
	}
	up := make(chan struct{}, 1)
	down := make(chan struct{}, 1)
	ch, err := c.OpenControlChannel(context.Background(), cfg, ChannelEvents{
		OnInit:   func(ChannelID) { up <- struct{}{} },
		OnUninit: func(ChannelID) { down <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("OpenControlChannel: %v", err)
	}
	<-up

	if err := c.CloseChannel(ch); err != nil {
		t.Fatalf("CloseChannel: %v", err)
	}
	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatal("OnUninit not called")
	}
}
