package ecu

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/efibridge/internal/protocol"
)

// SimOptions tunes the simulated ECU.
type SimOptions struct {
	Silent      bool          // accept requests, never answer
	Latency     time.Duration // delay before a response becomes readable
	CorruptRate float64       // fraction of responses with one flipped bit
	Seed        int64
	Version     string
}

const simVersion = "speeduino 202402-sim"

// ParseSimOptions reads options from a port name such as
// "sim:latency=20ms,corrupt=0.05,seed=7" or "sim:silent".
func ParseSimOptions(port string) (SimOptions, error) {
	opts := SimOptions{Seed: 1}
	_, rest, ok := strings.Cut(port, ":")
	if !ok || rest == "" {
		return opts, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		key, val, _ := strings.Cut(strings.TrimSpace(kv), "=")
		switch strings.ToLower(key) {
		case "silent":
			opts.Silent = true
		case "latency":
			d, err := time.ParseDuration(val)
			if err != nil {
				return opts, fmt.Errorf("sim latency %q: %w", val, err)
			}
			opts.Latency = d
		case "corrupt":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f < 0 || f > 1 {
				return opts, fmt.Errorf("sim corrupt rate %q: want 0..1", val)
			}
			opts.CorruptRate = f
		case "seed":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return opts, fmt.Errorf("sim seed %q: %w", val, err)
			}
			opts.Seed = n
		case "version":
			opts.Version = val
		default:
			return opts, fmt.Errorf("unknown sim option %q", key)
		}
	}
	return opts, nil
}

type simResponse struct {
	due  time.Time
	data []byte
}

// SimTransport is an in-process ECU speaking either wire protocol. It
// answers the same commands a Speeduino does and generates plausible
// engine data.
type SimTransport struct {
	codec protocol.DeviceCodec

	mu      sync.Mutex
	opts    SimOptions
	rng     *rand.Rand
	engine  simEngine
	params  map[uint16]float32
	inbuf   []byte
	pending []simResponse
	outbuf  []byte
	closed  bool
	served  uint64
}

func NewSimTransport(protocolName string, opts SimOptions) (*SimTransport, error) {
	codec, err := protocol.Lookup(protocolName)
	if err != nil {
		return nil, err
	}
	if opts.Version == "" {
		opts.Version = simVersion
	}
	return &SimTransport{
		codec:  codec,
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		engine: simEngine{stoich: DefaultStoich},
		params: make(map[uint16]float32),
	}, nil
}

// SetSilent stops or resumes answering.
func (s *SimTransport) SetSilent(silent bool) {
	s.mu.Lock()
	s.opts.Silent = silent
	s.mu.Unlock()
}

// SetCorruptRate changes the fraction of corrupted responses.
func (s *SimTransport) SetCorruptRate(rate float64) {
	s.mu.Lock()
	s.opts.CorruptRate = rate
	s.mu.Unlock()
}

// SetParameter seeds a parameter value.
func (s *SimTransport) SetParameter(id uint16, v float32) {
	s.mu.Lock()
	s.params[id] = v
	s.mu.Unlock()
}

// Parameter returns a stored parameter value.
func (s *SimTransport) Parameter(id uint16) (float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[id]
	return v, ok
}

// Served counts answered requests.
func (s *SimTransport) Served() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

func (s *SimTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrNotConnected
	}
	if s.opts.Silent {
		return len(p), nil
	}
	s.inbuf = append(s.inbuf, p...)
	now := time.Now()
	for len(s.inbuf) > 0 {
		f, n, err := s.codec.DecodeRequest(s.inbuf)
		s.inbuf = s.inbuf[n:]
		if err != nil {
			if protocol.IsIncomplete(err) && n == 0 {
				break
			}
			continue
		}
		if resp, ok := s.respond(f); ok {
			s.pending = append(s.pending, simResponse{due: now.Add(s.opts.Latency), data: resp})
		}
	}
	return len(p), nil
}

func (s *SimTransport) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrNotConnected
	}
	now := time.Now()
	i := 0
	for ; i < len(s.pending) && !s.pending[i].due.After(now); i++ {
		s.outbuf = append(s.outbuf, s.pending[i].data...)
	}
	s.pending = s.pending[i:]
	n := copy(p, s.outbuf)
	s.outbuf = s.outbuf[n:]
	return n, nil
}

func (s *SimTransport) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.outbuf = nil
	s.mu.Unlock()
	return nil
}

func (s *SimTransport) respond(req protocol.Frame) ([]byte, bool) {
	pid := s.codec.ID()
	var payload []byte
	switch req.Command {
	case protocol.CmdQuery, protocol.CmdVersion:
		payload = []byte(s.opts.Version)
	case protocol.CmdSignature:
		payload = []byte("speeduino")
	case protocol.CmdRealtime:
		payload = encodeRealtime(pid, s.engine.next(s.rng))
	case protocol.CmdReadParam:
		id, err := decodeParamRead(pid, req.Payload)
		if err != nil {
			return nil, false
		}
		payload = encodeParamReadReply(pid, id, s.params[id])
	case protocol.CmdWriteParam:
		id, v, err := decodeParamValue(pid, req.Payload)
		if err != nil {
			return nil, false
		}
		s.params[id] = v
		payload = encodeParamWriteAck(pid)
	default:
		return nil, false
	}

	out, err := s.codec.EncodeResponse(protocol.Frame{Command: req.Command, Payload: payload})
	if err != nil {
		return nil, false
	}
	s.served++
	if s.opts.CorruptRate > 0 && s.rng.Float64() < s.opts.CorruptRate {
		s.corrupt(out)
	}
	return out, true
}

// corrupt flips one bit inside the checksummed region so the frame is
// always rejected rather than misparsed.
func (s *SimTransport) corrupt(frame []byte) {
	if s.codec.ID() == protocol.TextCommand {
		star := strings.LastIndexByte(string(frame), '*')
		if star <= 0 {
			return
		}
		// Bit 0 keeps the byte printable and never produces a line break.
		frame[s.rng.Intn(star)] ^= 0x01
		return
	}
	// Payload and CRC bytes; header and stop byte stay intact.
	lo, hi := 4, len(frame)-1
	frame[lo+s.rng.Intn(hi-lo)] ^= 1 << uint(s.rng.Intn(8))
}

// simEngine produces engine data that sweeps between idle and full load.
type simEngine struct {
	t      float64 // virtual time accumulator
	stoich float64
	secl   uint8
}

func (e *simEngine) next(rng *rand.Rand) Snapshot {
	e.t += 0.05 // ~20Hz tick
	e.secl = uint8(int(e.t) % 256)

	// RPM cycling between idle and revving
	rpmBase := 850.0 + 4000.0*math.Sin(e.t*0.3)*math.Sin(e.t*0.3)
	rpm := uint16(rpmBase + rng.Float64()*50)

	tps := (float64(rpm) - 850) / (8000 - 850) * 100
	tps = math.Max(0, math.Min(100, tps))
	mapVal := uint16(30 + tps/100*170) // 30-200 kPa

	afr := 14.7 - (tps/100)*1.5 + rng.Float64()*0.4
	afr = math.Max(10, math.Min(18, afr))
	coolant := 85.0 + rng.Float64()*5
	iat := 30.0 + rng.Float64()*8
	if mapVal > 150 {
		iat = 55 + rng.Float64()*15
	}

	speed := uint16(tps / 100 * 220)
	var gear uint8
	switch {
	case speed > 180:
		gear = 6
	case speed > 140:
		gear = 5
	case speed > 100:
		gear = 4
	case speed > 60:
		gear = 3
	case speed > 30:
		gear = 2
	case speed > 5:
		gear = 1
	}

	oil := uint8(15 + tps/100*45) // 15-60 PSI
	if rpm < 500 {
		oil = uint8(float64(rpm) / 500 * 15)
	}

	s := Snapshot{
		RPM:            rpm,
		MAP:            mapVal,
		TPS:            math.Round(tps),
		AFR:            math.Round(afr*10) / 10,
		Advance:        int8(10 + (tps/100)*28),
		Coolant:        math.Round(coolant),
		IAT:            math.Round(iat),
		PulseWidth:     math.Round((2.0+tps/100*10)*10) / 10,
		VE:             uint8(40 + tps/100*55),
		BatteryVoltage: math.Round((13.8+rng.Float64()*0.4)*10) / 10,
		Dwell:          3.5,
		BoostTarget:    uint8(mapVal / 2),
		BoostDuty:      uint8(tps / 100 * 80),
		VSS:            speed,
		Gear:           gear,
		FuelPressure:   43,
		OilPressure:    oil,
		Baro:           101,
		Running:        true,
		ASE:            e.t < 30,
		Warmup:         coolant < 60,
		DFCO:           tps < 1 && rpm > 2000,
		Sync:           true,
		Secl:           e.secl,
	}
	computeDerived(&s, e.stoich)
	return s
}
