package ecu

import (
	"sort"
	"strings"
	"time"
)

// Snapshot holds one decoded set of realtime engine channels.
// Field names follow the Speeduino OutputChannels.
type Snapshot struct {
	// Core engine
	RPM     uint16  `json:"rpm"`
	MAP     uint16  `json:"map"`     // kPa
	TPS     float64 `json:"tps"`     // 0-100%
	AFR     float64 `json:"afr"`     // Air-fuel ratio
	Lambda  float64 `json:"lambda"`  // Calculated from AFR/stoich
	Advance int8    `json:"advance"` // Ignition advance (deg)

	// Temperatures (°C, raw - 40 offset applied)
	Coolant float64 `json:"coolant"`
	IAT     float64 `json:"iat"`

	// Fuel
	PulseWidth float64 `json:"pulseWidth"` // ms
	VE         uint8   `json:"ve"`         // %

	// Electrical
	BatteryVoltage float64 `json:"batteryVoltage"`
	Dwell          float64 `json:"dwell"` // ms

	// Boost
	BoostTarget uint8 `json:"boostTarget"`
	BoostDuty   uint8 `json:"boostDuty"`

	// Speed / transmission
	VSS  uint16 `json:"vss"` // km/h
	Gear uint8  `json:"gear"`

	// Pressures
	FuelPressure uint8 `json:"fuelPressure"` // PSI
	OilPressure  uint8 `json:"oilPressure"`  // PSI
	Baro         uint8 `json:"baro"`         // kPa

	// Status bits
	Running  bool `json:"running"`
	Cranking bool `json:"cranking"`
	ASE      bool `json:"ase"`
	Warmup   bool `json:"warmup"`
	DFCO     bool `json:"dfco"`
	Sync     bool `json:"sync"`

	Errors uint8 `json:"errors"`
	Secl   uint8 `json:"secl"`

	// Set by the controller, not by the ECU.
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Reading is what a backend hands to consumers: the latest snapshot and
// whether it is older than the staleness threshold.
type Reading struct {
	Snapshot Snapshot `json:"snapshot"`
	Stale    bool     `json:"stale"`
}

// Age returns how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(s.Timestamp)
}

type channel struct {
	get func(*Snapshot) float64
	set func(*Snapshot, float64)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// channels maps lowercase wire names to accessors. The text protocol and
// the bridge both address fields through it.
var channels = map[string]channel{
	"rpm":          {func(s *Snapshot) float64 { return float64(s.RPM) }, func(s *Snapshot, v float64) { s.RPM = uint16(v) }},
	"map":          {func(s *Snapshot) float64 { return float64(s.MAP) }, func(s *Snapshot, v float64) { s.MAP = uint16(v) }},
	"tps":          {func(s *Snapshot) float64 { return s.TPS }, func(s *Snapshot, v float64) { s.TPS = v }},
	"afr":          {func(s *Snapshot) float64 { return s.AFR }, func(s *Snapshot, v float64) { s.AFR = v }},
	"lambda":       {func(s *Snapshot) float64 { return s.Lambda }, func(s *Snapshot, v float64) { s.Lambda = v }},
	"advance":      {func(s *Snapshot) float64 { return float64(s.Advance) }, func(s *Snapshot, v float64) { s.Advance = int8(v) }},
	"coolant":      {func(s *Snapshot) float64 { return s.Coolant }, func(s *Snapshot, v float64) { s.Coolant = v }},
	"iat":          {func(s *Snapshot) float64 { return s.IAT }, func(s *Snapshot, v float64) { s.IAT = v }},
	"pw":           {func(s *Snapshot) float64 { return s.PulseWidth }, func(s *Snapshot, v float64) { s.PulseWidth = v }},
	"ve":           {func(s *Snapshot) float64 { return float64(s.VE) }, func(s *Snapshot, v float64) { s.VE = uint8(v) }},
	"battery":      {func(s *Snapshot) float64 { return s.BatteryVoltage }, func(s *Snapshot, v float64) { s.BatteryVoltage = v }},
	"dwell":        {func(s *Snapshot) float64 { return s.Dwell }, func(s *Snapshot, v float64) { s.Dwell = v }},
	"boosttarget":  {func(s *Snapshot) float64 { return float64(s.BoostTarget) }, func(s *Snapshot, v float64) { s.BoostTarget = uint8(v) }},
	"boostduty":    {func(s *Snapshot) float64 { return float64(s.BoostDuty) }, func(s *Snapshot, v float64) { s.BoostDuty = uint8(v) }},
	"vss":          {func(s *Snapshot) float64 { return float64(s.VSS) }, func(s *Snapshot, v float64) { s.VSS = uint16(v) }},
	"gear":         {func(s *Snapshot) float64 { return float64(s.Gear) }, func(s *Snapshot, v float64) { s.Gear = uint8(v) }},
	"fuelpressure": {func(s *Snapshot) float64 { return float64(s.FuelPressure) }, func(s *Snapshot, v float64) { s.FuelPressure = uint8(v) }},
	"oilpressure":  {func(s *Snapshot) float64 { return float64(s.OilPressure) }, func(s *Snapshot, v float64) { s.OilPressure = uint8(v) }},
	"baro":         {func(s *Snapshot) float64 { return float64(s.Baro) }, func(s *Snapshot, v float64) { s.Baro = uint8(v) }},
	"running":      {func(s *Snapshot) float64 { return b2f(s.Running) }, func(s *Snapshot, v float64) { s.Running = v != 0 }},
	"cranking":     {func(s *Snapshot) float64 { return b2f(s.Cranking) }, func(s *Snapshot, v float64) { s.Cranking = v != 0 }},
	"ase":          {func(s *Snapshot) float64 { return b2f(s.ASE) }, func(s *Snapshot, v float64) { s.ASE = v != 0 }},
	"warmup":       {func(s *Snapshot) float64 { return b2f(s.Warmup) }, func(s *Snapshot, v float64) { s.Warmup = v != 0 }},
	"dfco":         {func(s *Snapshot) float64 { return b2f(s.DFCO) }, func(s *Snapshot, v float64) { s.DFCO = v != 0 }},
	"sync":         {func(s *Snapshot) float64 { return b2f(s.Sync) }, func(s *Snapshot, v float64) { s.Sync = v != 0 }},
	"errors":       {func(s *Snapshot) float64 { return float64(s.Errors) }, func(s *Snapshot, v float64) { s.Errors = uint8(v) }},
	"secl":         {func(s *Snapshot) float64 { return float64(s.Secl) }, func(s *Snapshot, v float64) { s.Secl = uint8(v) }},
}

// fieldAliases accepts the longer names used by dashboards.
var fieldAliases = map[string]string{
	"batteryvoltage": "battery",
	"pulsewidth":     "pw",
	"clt":            "coolant",
	"dfcoon":         "dfco",
}

func lookupChannel(name string) (channel, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := fieldAliases[key]; ok {
		key = alias
	}
	ch, ok := channels[key]
	return ch, ok
}

// Field returns the named channel as a float. Names are case-insensitive.
func (s Snapshot) Field(name string) (float64, bool) {
	ch, ok := lookupChannel(name)
	if !ok {
		return 0, false
	}
	return ch.get(&s), true
}

// SetField assigns the named channel, truncating to the field's width.
func (s *Snapshot) SetField(name string, v float64) bool {
	ch, ok := lookupChannel(name)
	if !ok {
		return false
	}
	ch.set(s, v)
	return true
}

// FieldNames lists every addressable channel in sorted order.
func FieldNames() []string {
	names := make([]string, 0, len(channels))
	for k := range channels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// computeDerived fills channels the ECU does not send.
func computeDerived(s *Snapshot, stoich float64) {
	if stoich > 0 {
		s.Lambda = s.AFR / stoich
	}
}
