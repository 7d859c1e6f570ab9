package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary frame layout:
//
//	START(0x72) | COMMAND | LENGTH(u16 LE) | PAYLOAD | CRC_LO | CRC_HI | STOP(0x03)
//
// The CRC covers COMMAND, LENGTH and PAYLOAD.
const (
	StartByte = 0x72
	StopByte  = 0x03

	binaryHeaderLen  = 4 // start + command + length
	binaryTrailerLen = 3 // crc lo + crc hi + stop

	// MaxBinaryPayload bounds LENGTH so a corrupted header can't stall the
	// decoder waiting for 64 KiB that will never arrive.
	MaxBinaryPayload = 1024
)

// Binary is the Speeduino binary framed CRC16 codec. The same framing is
// used in both directions.
type Binary struct{}

func (Binary) ID() ID { return BinaryCRC }

// CRC16 computes the reflected 0xA001 CRC with initial value 0xFFFF.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func (Binary) EncodeRequest(req Request) ([]byte, error) {
	return encodeBinary(req.Command, req.Payload)
}

func (Binary) EncodeResponse(f Frame) ([]byte, error) {
	return encodeBinary(f.Command, f.Payload)
}

func (Binary) DecodeResponse(buf []byte) (Frame, int, error) {
	return decodeBinary(buf)
}

func (Binary) DecodeRequest(buf []byte) (Frame, int, error) {
	return decodeBinary(buf)
}

func encodeBinary(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > MaxBinaryPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	frame := make([]byte, binaryHeaderLen+len(payload)+binaryTrailerLen)
	frame[0] = StartByte
	frame[1] = byte(cmd)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[binaryHeaderLen:], payload)

	crc := CRC16(frame[1 : binaryHeaderLen+len(payload)])
	tail := frame[binaryHeaderLen+len(payload):]
	tail[0] = byte(crc & 0xFF)
	tail[1] = byte(crc >> 8)
	tail[2] = StopByte
	return frame, nil
}

// decodeBinary scans forward to the first START byte. A rejected frame
// consumes only its START byte so the next scan can find a frame that begins
// inside the rejected bytes. A candidate still waiting for bytes is rejected
// when a complete, valid frame already starts after it.
func decodeBinary(buf []byte) (Frame, int, error) {
	start := bytes.IndexByte(buf, StartByte)
	if start < 0 {
		return Frame{}, len(buf), decodeErr(Incomplete, "no start byte in %d bytes", len(buf))
	}

	b := buf[start:]
	if len(b) < binaryHeaderLen {
		return Frame{}, start, decodeErr(Incomplete, "header: have %d bytes", len(b))
	}

	n := int(binary.LittleEndian.Uint16(b[2:4]))
	if n > MaxBinaryPayload {
		return Frame{}, start + 1, decodeErr(FramingError, "length %d exceeds %d", n, MaxBinaryPayload)
	}

	total := binaryHeaderLen + n + binaryTrailerLen
	if len(b) < total {
		if next := nextValidFrame(b); next > 0 {
			return Frame{}, start + next, decodeErr(FramingError, "length %d overruns the frame at offset %d", n, next)
		}
		return Frame{}, start, decodeErr(Incomplete, "have %d of %d bytes", len(b), total)
	}
	if b[total-1] != StopByte {
		return Frame{}, start + 1, decodeErr(FramingError, "stop byte 0x%02X, want 0x%02X", b[total-1], StopByte)
	}

	got := uint16(b[binaryHeaderLen+n]) | uint16(b[binaryHeaderLen+n+1])<<8
	want := CRC16(b[1 : binaryHeaderLen+n])
	if got != want {
		return Frame{}, start + 1, decodeErr(ChecksumMismatch, "got 0x%04X, want 0x%04X", got, want)
	}

	payload := make([]byte, n)
	copy(payload, b[binaryHeaderLen:binaryHeaderLen+n])
	return Frame{Command: Command(b[1]), Payload: payload}, start + total, nil
}

// nextValidFrame returns the offset of the first START byte after b[0] that
// begins a complete frame with a valid CRC, or -1.
func nextValidFrame(b []byte) int {
	for i := 1; i < len(b); i++ {
		j := bytes.IndexByte(b[i:], StartByte)
		if j < 0 {
			return -1
		}
		i += j
		if validFrame(b[i:]) {
			return i
		}
	}
	return -1
}

func validFrame(b []byte) bool {
	if len(b) < binaryHeaderLen {
		return false
	}
	n := int(binary.LittleEndian.Uint16(b[2:4]))
	total := binaryHeaderLen + n + binaryTrailerLen
	if n > MaxBinaryPayload || len(b) < total || b[total-1] != StopByte {
		return false
	}
	got := uint16(b[binaryHeaderLen+n]) | uint16(b[binaryHeaderLen+n+1])<<8
	return got == CRC16(b[1:binaryHeaderLen+n])
}
