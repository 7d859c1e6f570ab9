package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/efibridge/internal/ecu"
)

var (
	ErrDuplicateID  = errors.New("duplicate connection id")
	ErrInvalidRate  = errors.New("invalid rate")
	ErrMissingField = errors.New("missing binding field")
	ErrUnknownField = errors.New("unknown telemetry field")
)

// BindError reports why a Spec was rejected.
type BindError struct {
	ID  string
	Err error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %q: %v", e.ID, e.Err) }

func (e *BindError) Unwrap() error { return e.Err }

// Spec describes one binding from an ECU field to a chart series.
type Spec struct {
	ID       string  `yaml:"id" json:"id"`
	Source   string  `yaml:"source" json:"source"`
	Field    string  `yaml:"field" json:"field"`
	Dest     string  `yaml:"destination" json:"destination"`
	Chart    string  `yaml:"chart" json:"chart"`
	Series   string  `yaml:"series" json:"series"`
	RateHz   float64 `yaml:"rate_hz" json:"rateHz"`
	Disabled bool    `yaml:"disabled" json:"disabled,omitempty"`
}

func (s Spec) normalized() Spec {
	s.ID = strings.TrimSpace(s.ID)
	s.Source = strings.TrimSpace(s.Source)
	s.Field = strings.ToLower(strings.TrimSpace(s.Field))
	s.Dest = strings.TrimSpace(s.Dest)
	s.Chart = strings.TrimSpace(s.Chart)
	s.Series = strings.TrimSpace(s.Series)
	if s.Series == "" {
		s.Series = s.Field
	}
	return s
}

func (s Spec) validate(scanHz float64) error {
	for _, f := range []struct{ name, v string }{
		{"source", s.Source},
		{"field", s.Field},
		{"destination", s.Dest},
		{"chart", s.Chart},
	} {
		if f.v == "" {
			return fmt.Errorf("%s: %w", f.name, ErrMissingField)
		}
	}
	if _, ok := (ecu.Snapshot{}).Field(s.Field); !ok {
		return fmt.Errorf("%q: %w", s.Field, ErrUnknownField)
	}
	if s.RateHz <= 0 || s.RateHz > scanHz {
		return fmt.Errorf("%g Hz, want (0, %g]: %w", s.RateHz, scanHz, ErrInvalidRate)
	}
	return nil
}

// Connection is a copy of a binding and its counters.
type Connection struct {
	Spec
	Active       bool      `json:"active"`
	LastDispatch time.Time `json:"lastDispatch"`
	Dispatches   uint64    `json:"dispatches"`
	Failures     uint64    `json:"failures"`
	Skipped      uint64    `json:"skipped"`
	Stale        uint64    `json:"stale"`
	LastError    string    `json:"lastError,omitempty"`
	InFlight     bool      `json:"inFlight"`
}

type binding struct {
	Connection
	period time.Duration
	next   time.Time // slot of the next dispatch
}

func newBinding(s Spec) *binding {
	return &binding{
		Connection: Connection{Spec: s, Active: !s.Disabled},
		period:     time.Duration(float64(time.Second) / s.RateHz),
	}
}

// due reports whether the binding may dispatch at now. A binding that has
// never dispatched is always due; otherwise a tick up to slack before the
// slot counts, so scheduler jitter doesn't cost a whole tick.
func (b *binding) due(now time.Time, slack time.Duration) bool {
	if !b.Active || b.InFlight {
		return false
	}
	return b.next.IsZero() || !now.Before(b.next.Add(-slack))
}

// start marks a dispatch at now and books the next slot one period after
// this one. A binding more than slack behind its slot restarts from now.
func (b *binding) start(now time.Time, slack time.Duration) {
	b.InFlight = true
	b.LastDispatch = now
	if b.next.IsZero() || now.Sub(b.next) > slack {
		b.next = now
	}
	b.next = b.next.Add(b.period)
}
