package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/shaunagostinho/efibridge/internal/ecu"
)

var _ ECU = (*ecu.Backend)(nil)

type stubECU struct{}

func (stubECU) Connect(string, int, string) error { return nil }
func (stubECU) Disconnect() error { return nil }
func (stubECU) IsConnected() bool { return false }
func (stubECU) ReadRealtimeData() (ecu.Reading, error) { return ecu.Reading{}, ecu.ErrNotConnected }
func (stubECU) ReadParameter(context.Context, uint16) (float32, error) { return 0, ecu.ErrNotConnected }
func (stubECU) WriteParameter(context.Context, uint16, float32) error { return ecu.ErrNotConnected }

type stubViz struct{}

func (stubViz) CreateChart(string, string, string) error { return nil }
func (stubViz) AddDataPoint(string, float64, float64, string) error { return nil }
func (stubViz) AddDataSeries(string, string, string) error { return nil }

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("speeduino", TypeECU, stubECU{}); err != nil {
		t.Fatalf("register ecu: %v", err)
	}
	if err := r.Register("dash", TypeVisualization, stubViz{}); err != nil {
		t.Fatalf("register viz: %v", err)
	}

	if _, err := r.ECU("speeduino"); err != nil {
		t.Fatalf("resolve ecu: %v", err)
	}
	if _, err := r.Visualization("dash"); err != nil {
		t.Fatalf("resolve viz: %v", err)
	}
	if _, err := r.ECU("dash"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("viz resolved as ecu: %v", err)
	}
	if _, err := r.Visualization("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing plugin: %v", err)
	}

	d, ok := r.Find("dash")
	if !ok || d.Type != TypeVisualization {
		t.Fatalf("find: %+v %v", d, ok)
	}
	if _, err := d.ECU(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("descriptor accessor: %v", err)
	}
}

func TestNamesIgnoreSurroundingSpace(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(" dash ", TypeVisualization, stubViz{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if d, ok := r.Find(" dash\t"); !ok || d.Name != "dash" {
		t.Fatalf("find: %+v %v", d, ok)
	}
	if _, err := r.Visualization(" dash"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := r.Register("dash ", TypeVisualization, stubViz{}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second register: %v", err)
	}
	if !r.Unregister(" dash ", TypeVisualization) {
		t.Fatalf("unregister with spaces failed")
	}
	if _, ok := r.Find("dash"); ok {
		t.Fatalf("still registered")
	}
}

func TestRegisterRejects(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("a", TypeECU, stubECU{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	tests := []struct {
		name string
		typ  Type
		caps any
		want error
	}{
		{"a", TypeECU, stubECU{}, ErrDuplicate},
		{"b", TypeECU, stubViz{}, ErrBadCapability},
		{"c", TypeVisualization, stubECU{}, ErrBadCapability},
		{"d", TypeOther, nil, ErrBadCapability},
		{" ", TypeOther, struct{}{}, ErrEmptyName},
	}
	for _, tc := range tests {
		if err := r.Register(tc.name, tc.typ, tc.caps); !errors.Is(err, tc.want) {
			t.Fatalf("register %q as %s: got %v want %v", tc.name, tc.typ, err, tc.want)
		}
	}
}

func TestSameNameAcrossTypes(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("combo", TypeECU, stubECU{}); err != nil {
		t.Fatalf("register ecu: %v", err)
	}
	if err := r.Register("combo", TypeVisualization, stubViz{}); err != nil {
		t.Fatalf("register viz under same name: %v", err)
	}
	if _, err := r.ECU("combo"); err != nil {
		t.Fatalf("ecu: %v", err)
	}
	if _, err := r.Visualization("combo"); err != nil {
		t.Fatalf("viz: %v", err)
	}

	if !r.Unregister("combo", TypeECU) {
		t.Fatalf("unregister reported absent")
	}
	if r.Unregister("combo", TypeECU) {
		t.Fatalf("second unregister reported present")
	}
	if _, err := r.Visualization("combo"); err != nil {
		t.Fatalf("viz removed with ecu: %v", err)
	}

	list := r.List()
	if len(list) != 1 || list[0].Name != "combo" || list[0].Type != TypeVisualization {
		t.Fatalf("list: %+v", list)
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{TypeECU, TypeVisualization, TypeOther} {
		got, err := ParseType(typ.String())
		if err != nil || got != typ {
			t.Fatalf("%s: got %v %v", typ, got, err)
		}
	}
	if _, err := ParseType("gauge"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
