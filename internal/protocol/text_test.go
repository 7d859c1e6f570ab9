package protocol

import (
	"errors"
	"testing"
)

func TestTextEncodeRequest(t *testing.T) {
	tests := []struct {
		req  Request
		want string
	}{
		{Request{Command: CmdRealtime}, "A\r\n"},
		{Request{Command: CmdReadParam, Payload: []byte("12")}, "p:12\r\n"},
		{Request{Command: CmdWriteParam, Payload: []byte("12=3.5")}, "M:12=3.5\r\n"},
	}
	for _, tc := range tests {
		got, err := Text{}.EncodeRequest(tc.req)
		if err != nil {
			t.Fatalf("%q: %v", tc.want, err)
		}
		if string(got) != tc.want {
			t.Fatalf("encode: got %q want %q", got, tc.want)
		}
	}

	if _, err := (Text{}).EncodeRequest(Request{Command: CmdReadParam, Payload: []byte{0x01}}); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected framing error for binary payload, got %v", err)
	}
}

func TestTextResponseRoundTrip(t *testing.T) {
	raw, err := Text{}.EncodeResponse(Frame{Command: CmdRealtime, Payload: []byte("rpm=850,map=35")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, n, err := Text{}.DecodeResponse(raw)
	if err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	if n != len(raw) {
		t.Fatalf("consumed %d of %d", n, len(raw))
	}
	if f.Command != CmdRealtime || string(f.Payload) != "rpm=850,map=35" {
		t.Fatalf("frame mismatch: %c %q", f.Command, f.Payload)
	}
}

func TestTextDecodeResponseErrors(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     error
		consumed int
	}{
		{name: "partial line", in: "A:rpm=8", want: ErrIncomplete, consumed: 0},
		{name: "bad checksum", in: "Q:speeduino*00\r\n", want: ErrChecksum, consumed: 16},
		{name: "short checksum", in: "Q:x*0\n", want: ErrFraming, consumed: 6},
		{name: "no separator", in: "Qspeeduino\n", want: ErrFraming, consumed: 11},
		{name: "control byte", in: "Q:\x01\n", want: ErrFraming, consumed: 4},
		{name: "blank lines", in: "\r\n\r\n", want: ErrIncomplete, consumed: 4},
	}
	for _, tc := range tests {
		_, n, err := Text{}.DecodeResponse([]byte(tc.in))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if n != tc.consumed {
			t.Fatalf("%s: consumed %d want %d", tc.name, n, tc.consumed)
		}
	}
}

func TestTextChecksumOptionalOnReceive(t *testing.T) {
	f, _, err := Text{}.DecodeResponse([]byte("V:2\r\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Command != CmdVersion || string(f.Payload) != "2" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestTextUnterminatedGarbageIsDropped(t *testing.T) {
	junk := make([]byte, maxTextLine+1)
	for i := range junk {
		junk[i] = 'x'
	}
	_, n, err := Text{}.DecodeResponse(junk)
	if !errors.Is(err, ErrFraming) || n != len(junk) {
		t.Fatalf("expected framing error dropping %d bytes, got %v (%d)", len(junk), err, n)
	}
}

func TestTextDecodeRequest(t *testing.T) {
	f, n, err := Text{}.DecodeRequest([]byte("p:7\r\nA\r\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Command != CmdReadParam || string(f.Payload) != "7" || n != 5 {
		t.Fatalf("unexpected first request %+v (%d)", f, n)
	}
	f, _, err = Text{}.DecodeRequest([]byte("A\r\n"))
	if err != nil || f.Command != CmdRealtime || len(f.Payload) != 0 {
		t.Fatalf("unexpected second request %+v: %v", f, err)
	}
}
