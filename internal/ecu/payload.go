package ecu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shaunagostinho/efibridge/internal/protocol"
)

// ErrBadPayload is returned when a well-framed response carries a payload
// that does not match the command's layout.
var ErrBadPayload = errors.New("ecu: malformed payload")

const (
	secondaryADataSize = 75  // 'A' block
	secondaryNDataSize = 119 // extended block, firmware 202409
)

// ============================================================================
// Realtime
// ============================================================================

func decodeRealtime(pid protocol.ID, payload []byte, stoich float64) (Snapshot, error) {
	var (
		s   Snapshot
		err error
	)
	switch pid {
	case protocol.TextCommand:
		s, err = parseTextRealtime(payload)
	default:
		s, err = parseSecondaryData(payload)
	}
	if err != nil {
		return Snapshot{}, err
	}
	computeDerived(&s, stoich)
	return s, nil
}

func encodeRealtime(pid protocol.ID, s Snapshot) []byte {
	if pid == protocol.TextCommand {
		return formatTextRealtime(s)
	}
	return buildSecondaryData(s)
}

// parseSecondaryData decodes the Speeduino secondary serial layout. The
// first 75 bytes are the 'A' block; longer payloads carry the extended
// channels.
func parseSecondaryData(d []byte) (Snapshot, error) {
	n := len(d)
	if n < secondaryADataSize {
		return Snapshot{}, fmt.Errorf("%w: realtime block of %d bytes, want at least %d", ErrBadPayload, n, secondaryADataSize)
	}
	u16le := func(off int) uint16 { return binary.LittleEndian.Uint16(d[off : off+2]) }

	var s Snapshot
	s.Secl = d[0]
	s.DFCO = d[1]&(1<<4) != 0

	s.Running = d[2]&(1<<0) != 0
	s.Cranking = d[2]&(1<<1) != 0
	s.ASE = d[2]&(1<<2) != 0
	s.Warmup = d[2]&(1<<3) != 0

	s.Dwell = float64(d[3]) * 0.1
	s.MAP = u16le(4)
	s.IAT = float64(d[6]) - 40
	s.Coolant = float64(d[7]) - 40
	s.BatteryVoltage = float64(d[9]) * 0.1
	s.AFR = float64(d[10]) * 0.1
	s.RPM = u16le(14)
	s.VE = d[18]
	s.PulseWidth = float64(u16le(20)) * 0.1
	s.Advance = int8(d[23])
	s.TPS = float64(d[24])
	s.BoostTarget = d[29]
	s.BoostDuty = d[30]
	s.Sync = d[31]&(1<<7) != 0
	s.Baro = d[40]
	s.Errors = d[74]

	if n >= 105 {
		s.VSS = u16le(100)
		s.Gear = d[102]
		s.FuelPressure = d[103]
		s.OilPressure = d[104]
	}
	return s, nil
}

// buildSecondaryData is the inverse of parseSecondaryData and always writes
// the extended layout.
func buildSecondaryData(s Snapshot) []byte {
	d := make([]byte, secondaryNDataSize)
	put16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(d[off:off+2], v) }
	bit := func(b bool, n uint) byte {
		if b {
			return 1 << n
		}
		return 0
	}

	d[0] = s.Secl
	d[1] = bit(s.DFCO, 4)
	d[2] = bit(s.Running, 0) | bit(s.Cranking, 1) | bit(s.ASE, 2) | bit(s.Warmup, 3)
	d[3] = scaled(s.Dwell, 10)
	put16(4, s.MAP)
	d[6] = offset40(s.IAT)
	d[7] = offset40(s.Coolant)
	d[9] = scaled(s.BatteryVoltage, 10)
	d[10] = scaled(s.AFR, 10)
	put16(14, s.RPM)
	d[18] = s.VE
	put16(20, uint16(clampF(math.Round(s.PulseWidth*10), 0, math.MaxUint16)))
	d[23] = byte(s.Advance)
	d[24] = byte(clampF(math.Round(s.TPS), 0, 255))
	d[29] = s.BoostTarget
	d[30] = s.BoostDuty
	d[31] = bit(s.Sync, 7)
	d[40] = s.Baro
	d[74] = s.Errors
	put16(100, s.VSS)
	d[102] = s.Gear
	d[103] = s.FuelPressure
	d[104] = s.OilPressure
	return d
}

func scaled(v, k float64) byte { return byte(clampF(math.Round(v*k), 0, 255)) }
func offset40(v float64) byte { return byte(clampF(math.Round(v+40), 0, 255)) }

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// parseTextRealtime reads "key=value,key=value". Unknown keys are ignored
// so newer firmware can add channels.
func parseTextRealtime(payload []byte) (Snapshot, error) {
	var s Snapshot
	if len(payload) == 0 {
		return s, fmt.Errorf("%w: empty realtime line", ErrBadPayload)
	}
	for _, pair := range strings.Split(string(payload), ",") {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return Snapshot{}, fmt.Errorf("%w: pair %q", ErrBadPayload, pair)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrBadPayload, key, err)
		}
		s.SetField(key, v)
	}
	return s, nil
}

func formatTextRealtime(s Snapshot) []byte {
	var b strings.Builder
	for _, name := range FieldNames() {
		if name == "lambda" {
			continue
		}
		v, _ := s.Field(name)
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		// Three decimals keeps a full line well under the text line limit.
		b.WriteString(strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64))
	}
	return []byte(b.String())
}

// ============================================================================
// Parameters
// ============================================================================

// Binary: read is id(u16 LE) -> value(f32 LE); write is id + value -> empty.
// Text:   read is "<id>" -> "<id>=<value>"; write is "<id>=<value>" -> "OK".

func encodeParamRead(pid protocol.ID, id uint16) []byte {
	if pid == protocol.TextCommand {
		return []byte(strconv.FormatUint(uint64(id), 10))
	}
	return binary.LittleEndian.AppendUint16(nil, id)
}

func decodeParamRead(pid protocol.ID, payload []byte) (uint16, error) {
	if pid == protocol.TextCommand {
		id, err := strconv.ParseUint(string(payload), 10, 16)
		if err != nil {
			return 0, fmt.Errorf("%w: parameter id %q", ErrBadPayload, payload)
		}
		return uint16(id), nil
	}
	if len(payload) != 2 {
		return 0, fmt.Errorf("%w: parameter read of %d bytes", ErrBadPayload, len(payload))
	}
	return binary.LittleEndian.Uint16(payload), nil
}

func encodeParamValue(pid protocol.ID, id uint16, v float32) []byte {
	if pid == protocol.TextCommand {
		return []byte(strconv.FormatUint(uint64(id), 10) + "=" + strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	out := binary.LittleEndian.AppendUint16(nil, id)
	return binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
}

func decodeParamValue(pid protocol.ID, payload []byte) (uint16, float32, error) {
	if pid == protocol.TextCommand {
		rawID, rawV, ok := strings.Cut(string(payload), "=")
		if !ok {
			return 0, 0, fmt.Errorf("%w: parameter %q", ErrBadPayload, payload)
		}
		id, err := strconv.ParseUint(rawID, 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: parameter id %q", ErrBadPayload, rawID)
		}
		v, err := strconv.ParseFloat(rawV, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: parameter value %q", ErrBadPayload, rawV)
		}
		return uint16(id), float32(v), nil
	}
	if len(payload) != 6 {
		return 0, 0, fmt.Errorf("%w: parameter value of %d bytes", ErrBadPayload, len(payload))
	}
	id := binary.LittleEndian.Uint16(payload[:2])
	return id, math.Float32frombits(binary.LittleEndian.Uint32(payload[2:])), nil
}

// The binary read reply is the bare value, without the id.
func encodeParamReadReply(pid protocol.ID, id uint16, v float32) []byte {
	if pid == protocol.TextCommand {
		return encodeParamValue(pid, id, v)
	}
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))
}

func decodeParamReadReply(pid protocol.ID, want uint16, payload []byte) (float32, error) {
	if pid == protocol.TextCommand {
		id, v, err := decodeParamValue(pid, payload)
		if err != nil {
			return 0, err
		}
		if id != want {
			return 0, fmt.Errorf("%w: reply for parameter %d, want %d", ErrBadPayload, id, want)
		}
		return v, nil
	}
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: parameter reply of %d bytes", ErrBadPayload, len(payload))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(payload)), nil
}

func encodeParamWriteAck(pid protocol.ID) []byte {
	if pid == protocol.TextCommand {
		return []byte("OK")
	}
	return nil
}

func decodeParamWriteAck(pid protocol.ID, payload []byte) error {
	if pid == protocol.TextCommand {
		if string(payload) != "OK" {
			return fmt.Errorf("%w: write rejected: %q", ErrBadPayload, payload)
		}
		return nil
	}
	if len(payload) != 0 {
		return fmt.Errorf("%w: write ack of %d bytes", ErrBadPayload, len(payload))
	}
	return nil
}
