// Package transport defines the request/response and byte-stream service the
// sender engine drives, and a concrete client for it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// ChannelID identifies a control or data channel. Ids are assigned by the
// service when the channel is created.
type ChannelID int64

// NoChannel marks an unset channel or stream id.
const NoChannel ChannelID = -1

func (c ChannelID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// Function names a control-channel request.
type Function string

const (
	FuncAuthenticate Function = "authenticate"
	FuncDisconnect   Function = "disconnect"
	FuncCreateSender Function = "create_sender"
	FuncSubscribed   Function = "subscribed"
)

const (
	// StatusClosed is reported to pending requests when the control channel
	// goes away before a response arrives.
	StatusClosed = -1
	// StatusDataChannel is reported for a create_sender the server accepted
	// but whose data channel could not be opened.
	StatusDataChannel = -2
)

var (
	ErrUnknownChannel = errors.New("transport: unknown channel")
	ErrNotInitialized = errors.New("transport: protocols not initialized")
	ErrClosed         = errors.New("transport: service closed")
	ErrBadPayload     = errors.New("transport: unexpected payload type")
)

// Response is the decoded part of a control-channel reply. StatusCode 0 is
// success; Message is the raw JSON body.
type Response struct {
	StatusCode int             `json:"statusCode"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// ResponseFunc receives a reply. ch is the control channel for every function
// except create_sender, where it is the newly opened data channel (NoChannel
// on failure). raw is the full frame as received.
type ResponseFunc func(ch ChannelID, raw string, resp Response)

// ChannelEvents are invoked on a service goroutine, never on the goroutine
// that opened the channel.
type ChannelEvents struct {
	OnInit   func(ch ChannelID)
	OnError  func(ch ChannelID, err error)
	OnUninit func(ch ChannelID)
}

// ControlConfig addresses the server's control endpoint.
type ControlConfig struct {
	Host         string
	Port         int
	Scheme       string
	Path         string
	DataProtocol string
	DSCP         int
}

// AuthRequest is the authenticate payload.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StreamMeta is the metadata blob attached to stream creation.
type StreamMeta struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// SenderRequest is the create_sender payload. The callbacks fire for the data
// channel the service opens for the stream.
type SenderRequest struct {
	Workspace  string     `json:"workspace"`
	StreamType string     `json:"streamType"`
	Meta       StreamMeta `json:"meta"`
	Alert      bool       `json:"alert"`
	Echo       bool       `json:"echo"`

	OnInit     func(ch ChannelID)                   `json:"-"`
	OnError    func(ch ChannelID, err error)        `json:"-"`
	OnFeedback func(index uint32, transitUs int64) `json:"-"`
}

// DisconnectRequest is the disconnect payload.
type DisconnectRequest struct {
	StreamIDs []int64 `json:"streamIds"`
}

// SenderCreated is the message body of a successful create_sender reply.
type SenderCreated struct {
	StreamID int64 `json:"streamID"`
	Port     int   `json:"port"`
}

// AudioMeta is attached to every audio packet.
type AudioMeta struct {
	CounterValue int   `json:"counter_value"`
	NumChannel   int   `json:"num_channel"`
	Timestamp    int64 `json:"timestamp"`
}

// ProbeMeta is attached to every probe packet.
type ProbeMeta struct {
	PacketIndex int   `json:"packetIndex"`
	Timestamp   int64 `json:"timestamp"`
}

// Service is the transport the engine depends on. Response and event
// callbacks run on service-owned goroutines.
type Service interface {
	InitProtocols(ctx context.Context, cfg ControlConfig) error
	OpenControlChannel(ctx context.Context, cfg ControlConfig, events ChannelEvents) (ChannelID, error)
	Request(ch ChannelID, fn Function, payload any, cb ResponseFunc) error
	SendData(ch ChannelID, payload []byte, meta any) error
	CloseChannel(ch ChannelID) error
	Close() error
}
