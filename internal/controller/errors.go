package controller

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyConnecting = errors.New("controller: a connection attempt is already outstanding")
	ErrNotConnected      = errors.New("controller: control channel is not connected")
	ErrAuthInFlight      = errors.New("controller: authentication already in flight")
	ErrNotAuthenticated  = errors.New("controller: session is not authenticated")
	ErrCreateInFlight    = errors.New("controller: sender creation already in flight")
	ErrControlChannel    = errors.New("controller: control channel failed")
)

// ProtocolInitError aborts a connection attempt. It is not retried.
type ProtocolInitError struct {
	Host string
	Err  error
}

func (e *ProtocolInitError) Error() string {
	return fmt.Sprintf("initialize protocols for %s: %v", e.Host, e.Err)
}

func (e *ProtocolInitError) Unwrap() error {
	return e.Err
}

// AuthenticationError carries a non-zero authenticate status code.
type AuthenticationError struct {
	Code int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed with status %d", e.Code)
}

// StreamError carries a non-zero create_sender status code.
type StreamError struct {
	Workspace  string
	StreamType string
	Code       int
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("create %s stream in %s failed with status %d", e.StreamType, e.Workspace, e.Code)
}

// DisconnectError carries a non-zero disconnect status code. Local session
// state is reset regardless.
type DisconnectError struct {
	Code int
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnect failed with status %d", e.Code)
}
