package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// maxTextLine bounds how much unterminated input the text decoder buffers
// before declaring the line garbage.
const maxTextLine = 512

// Text is a line oriented ASCII protocol.
//
// Requests are "<cmd>[:<args>]\r\n". Responses are "<cmd>:<payload>[*hh]\r\n"
// where hh is the XOR of every byte before '*', written as two hex digits
// (the NMEA 0183 checksum). The checksum is optional on receive and always
// written on send.
type Text struct{}

func (Text) ID() ID { return TextCommand }

func (Text) EncodeRequest(req Request) ([]byte, error) {
	if err := checkPrintable(req.Payload); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(req.Payload)+4)
	out = append(out, byte(req.Command))
	if len(req.Payload) > 0 {
		out = append(out, ':')
		out = append(out, req.Payload...)
	}
	return append(out, '\r', '\n'), nil
}

func (Text) EncodeResponse(f Frame) ([]byte, error) {
	if err := checkPrintable(f.Payload); err != nil {
		return nil, err
	}
	body := make([]byte, 0, len(f.Payload)+2)
	body = append(body, byte(f.Command), ':')
	body = append(body, f.Payload...)
	return []byte(fmt.Sprintf("%s*%02X\r\n", body, xorChecksum(body))), nil
}

func (Text) DecodeResponse(buf []byte) (Frame, int, error) {
	line, consumed, err := nextLine(buf)
	if err != nil {
		return Frame{}, consumed, err
	}

	body := line
	if star := bytes.LastIndexByte(line, '*'); star >= 0 {
		body = line[:star]
		sum := line[star+1:]
		if len(sum) != 2 {
			return Frame{}, consumed, decodeErr(FramingError, "checksum field %q", sum)
		}
		want, perr := strconv.ParseUint(string(sum), 16, 8)
		if perr != nil {
			return Frame{}, consumed, decodeErr(FramingError, "checksum field %q", sum)
		}
		if got := xorChecksum(body); byte(want) != got {
			return Frame{}, consumed, decodeErr(ChecksumMismatch, "got 0x%02X, want 0x%02X", got, byte(want))
		}
	}

	if len(body) < 2 || body[1] != ':' {
		return Frame{}, consumed, decodeErr(FramingError, "missing command separator in %q", body)
	}
	payload := make([]byte, len(body)-2)
	copy(payload, body[2:])
	return Frame{Command: Command(body[0]), Payload: payload}, consumed, nil
}

func (Text) DecodeRequest(buf []byte) (Frame, int, error) {
	line, consumed, err := nextLine(buf)
	if err != nil {
		return Frame{}, consumed, err
	}

	f := Frame{Command: Command(line[0])}
	if len(line) > 1 {
		if line[1] != ':' {
			return Frame{}, consumed, decodeErr(FramingError, "missing command separator in %q", line)
		}
		f.Payload = append([]byte(nil), line[2:]...)
	}
	return f, consumed, nil
}

// nextLine returns the next non-empty line of buf without its terminator.
func nextLine(buf []byte) ([]byte, int, error) {
	skip := 0
	for skip < len(buf) && (buf[skip] == '\r' || buf[skip] == '\n') {
		skip++
	}
	rest := buf[skip:]

	end := bytes.IndexByte(rest, '\n')
	if end < 0 {
		if len(rest) > maxTextLine {
			return nil, len(buf), decodeErr(FramingError, "unterminated line of %d bytes", len(rest))
		}
		return nil, skip, decodeErr(Incomplete, "no line terminator in %d bytes", len(rest))
	}

	consumed := skip + end + 1
	line := bytes.TrimSuffix(rest[:end], []byte{'\r'})
	if len(line) == 0 {
		return nil, consumed, decodeErr(Incomplete, "empty line")
	}
	if err := checkPrintable(line); err != nil {
		return nil, consumed, err
	}
	return line, consumed, nil
}

func checkPrintable(b []byte) error {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return decodeErr(FramingError, "non-printable byte 0x%02X", c)
		}
	}
	return nil
}

func xorChecksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum ^= c
	}
	return sum
}
