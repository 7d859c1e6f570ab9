// Package plugin defines the capability contracts ECU and visualization
// backends present, and the registry the bridge resolves them through.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shaunagostinho/efibridge/internal/ecu"
)

// Type is the declared kind of a plugin.
type Type int

const (
	TypeOther Type = iota
	TypeECU
	TypeVisualization
)

func (t Type) String() string {
	switch t {
	case TypeECU:
		return "ecu"
	case TypeVisualization:
		return "visualization"
	case TypeOther:
		return "other"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseType accepts the names String returns.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ecu":
		return TypeECU, nil
	case "visualization", "viz":
		return TypeVisualization, nil
	case "other", "":
		return TypeOther, nil
	}
	return TypeOther, fmt.Errorf("unknown plugin type %q", s)
}

// ECU is the capability of an engine control unit backend. Calls other than
// Connect return ecu.ErrNotConnected until a connection is up.
type ECU interface {
	Connect(port string, baud int, protocol string) error
	Disconnect() error
	IsConnected() bool
	// ReadRealtimeData returns the latest snapshot without blocking.
	ReadRealtimeData() (ecu.Reading, error)
	ReadParameter(ctx context.Context, id uint16) (float32, error)
	WriteParameter(ctx context.Context, id uint16, value float32) error
}

// Visualization is the capability of a chart consumer.
type Visualization interface {
	CreateChart(id, title, kind string) error
	AddDataPoint(chartID string, x, y float64, series string) error
	AddDataSeries(chartID, series, style string) error
}

var (
	ErrNotFound      = errors.New("plugin not found")
	ErrTypeMismatch  = errors.New("plugin type mismatch")
	ErrDuplicate     = errors.New("plugin already registered")
	ErrBadCapability = errors.New("capability does not implement plugin type")
	ErrEmptyName     = errors.New("plugin name is empty")
)

// Descriptor is a registered plugin. The registry does not own Caps.
type Descriptor struct {
	Name string
	Type Type
	Caps any
}

// ECU returns the ECU capability, or ErrTypeMismatch.
func (d Descriptor) ECU() (ECU, error) {
	if d.Type != TypeECU {
		return nil, fmt.Errorf("%s is %s: %w", d.Name, d.Type, ErrTypeMismatch)
	}
	e, ok := d.Caps.(ECU)
	if !ok {
		return nil, fmt.Errorf("%s: %w", d.Name, ErrTypeMismatch)
	}
	return e, nil
}

// Visualization returns the visualization capability, or ErrTypeMismatch.
func (d Descriptor) Visualization() (Visualization, error) {
	if d.Type != TypeVisualization {
		return nil, fmt.Errorf("%s is %s: %w", d.Name, d.Type, ErrTypeMismatch)
	}
	v, ok := d.Caps.(Visualization)
	if !ok {
		return nil, fmt.Errorf("%s: %w", d.Name, ErrTypeMismatch)
	}
	return v, nil
}

func checkCaps(t Type, caps any) error {
	if caps == nil {
		return ErrBadCapability
	}
	switch t {
	case TypeECU:
		if _, ok := caps.(ECU); !ok {
			return fmt.Errorf("%T as %s: %w", caps, t, ErrBadCapability)
		}
	case TypeVisualization:
		if _, ok := caps.(Visualization); !ok {
			return fmt.Errorf("%T as %s: %w", caps, t, ErrBadCapability)
		}
	case TypeOther:
	default:
		return fmt.Errorf("%s: %w", t, ErrBadCapability)
	}
	return nil
}
