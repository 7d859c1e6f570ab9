package ecu

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionState is the lifecycle state of one ECU connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
	StateTimeout
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	case StateTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a transport is open and being driven.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// transitions lists every legal edge. Disconnect is valid from any state.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting, StateError},
	StateConnecting:   {StateConnected, StateTimeout, StateDisconnected},
	StateConnected:    {StateError, StateTimeout, StateDisconnected},
	StateError:        {StateDisconnected},
	StateTimeout:      {StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotConnected  = errors.New("ecu: not connected")
	ErrAlreadyActive = errors.New("ecu: connection already active")
	ErrTimeout       = errors.New("ecu: no response within timeout")
	ErrTooManyErrors = errors.New("ecu: too many consecutive errors")
)

// ConnectError wraps a transport open failure.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ecu: open %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrorKind classifies the last recorded failure.
type ErrorKind int

const (
	KindOpen ErrorKind = iota + 1
	KindIO
	KindProtocol
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ErrorDescriptor is the last failure a controller saw.
type ErrorDescriptor struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	State   string    `json:"state"` // state the failure happened in
	At      time.Time `json:"at"`
	Err     error     `json:"-"`
}

func (d ErrorDescriptor) Error() string { return d.Message }

func (d ErrorDescriptor) Unwrap() error { return d.Err }
