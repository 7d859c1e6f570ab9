// Package protocol implements the wire codecs used to talk to ECUs.
//
// A codec is stateless: it turns requests into bytes and scans a receive
// buffer for the next complete response. Callers own the buffer and drop the
// number of bytes the decoder reports as consumed, which is how the decoders
// resynchronize after noise on the line.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ID names a protocol variant in configuration.
type ID string

const (
	// BinaryCRC is the Speeduino-style binary framing with CRC16.
	BinaryCRC ID = "binary-crc"
	// TextCommand is a line oriented ASCII query/response protocol.
	TextCommand ID = "text"
)

// Command is the single-byte command selector shared by all variants.
type Command byte

const (
	CmdQuery      Command = 'Q' // handshake / firmware query
	CmdRealtime   Command = 'A' // realtime data block
	CmdSignature  Command = 'S' // firmware signature
	CmdVersion    Command = 'V' // protocol version
	CmdReadParam  Command = 'p' // read one tuning parameter
	CmdWriteParam Command = 'M' // write one tuning parameter
)

func (c Command) String() string {
	if c >= 0x20 && c <= 0x7E {
		return string(rune(c))
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// Request is a command sent from the host to the ECU.
type Request struct {
	Command Command
	Payload []byte
}

// Frame is one decoded message.
type Frame struct {
	Command Command
	Payload []byte
}

// Codec is the host side of a protocol.
type Codec interface {
	ID() ID
	// EncodeRequest serializes req into a complete wire message.
	EncodeRequest(req Request) ([]byte, error)
	// DecodeResponse scans buf for the next response. It returns the frame,
	// the number of leading bytes of buf the caller must discard, and a
	// *DecodeError when no frame could be produced. The discard count is
	// meaningful on error too: it skips garbage and rejected frames.
	DecodeResponse(buf []byte) (Frame, int, error)
}

// DeviceCodec is the ECU side of a protocol, used by simulators.
type DeviceCodec interface {
	Codec
	DecodeRequest(buf []byte) (Frame, int, error)
	EncodeResponse(f Frame) ([]byte, error)
}

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind int

const (
	// Incomplete means more bytes are needed; it is not a link fault.
	Incomplete DecodeErrorKind = iota + 1
	// FramingError means the bytes do not form a valid frame.
	FramingError
	// ChecksumMismatch means a well-formed frame failed its checksum.
	ChecksumMismatch
)

var (
	ErrIncomplete      = errors.New("protocol: incomplete frame")
	ErrFraming         = errors.New("protocol: framing error")
	ErrChecksum        = errors.New("protocol: checksum mismatch")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrUnknownProtocol = errors.New("protocol: unknown protocol")
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Incomplete:
		return "incomplete"
	case FramingError:
		return "framing"
	case ChecksumMismatch:
		return "checksum"
	default:
		return "unknown"
	}
}

func (k DecodeErrorKind) sentinel() error {
	switch k {
	case Incomplete:
		return ErrIncomplete
	case FramingError:
		return ErrFraming
	case ChecksumMismatch:
		return ErrChecksum
	default:
		return nil
	}
}

// DecodeError is returned by DecodeResponse and DecodeRequest.
// It unwraps to ErrIncomplete, ErrFraming or ErrChecksum.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Kind.sentinel().Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind.sentinel(), e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Kind.sentinel() }

func decodeErr(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsIncomplete reports whether err only asks for more input.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}

// Lookup resolves a configured protocol name to its codec.
func Lookup(name string) (DeviceCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case string(BinaryCRC), "binary", "speeduino", "":
		return Binary{}, nil
	case string(TextCommand), "ascii", "text-command":
		return Text{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
}
