package viz

import (
	"errors"
	"testing"
)

func TestStoreRingKeepsNewestPoints(t *testing.T) {
	s := NewStore(3)
	if err := s.CreateChart("rpm", "Engine speed", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := s.AddDataPoint("rpm", float64(i), float64(i*100), "engine"); err != nil {
			t.Fatalf("point %d: %v", i, err)
		}
	}

	c, ok := s.Chart("rpm")
	if !ok || c.Kind != KindLine || len(c.Series) != 1 {
		t.Fatalf("chart: %+v %v", c, ok)
	}
	sr := c.Series[0]
	if sr.Total != 5 || len(sr.Points) != 3 {
		t.Fatalf("series: total %d points %d", sr.Total, len(sr.Points))
	}
	for i, want := range []float64{3, 4, 5} {
		if sr.Points[i].X != want {
			t.Fatalf("point %d: got x=%v want %v", i, sr.Points[i].X, want)
		}
	}
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	s := NewStore(10)
	_ = s.CreateChart("afr", "AFR", KindScatter)
	_ = s.AddDataSeries("afr", "bank1", "red")
	_ = s.AddDataPoint("afr", 1, 14.7, "bank1")

	snap := s.Snapshot()
	snap[0].Series[0].Points[0].Y = 0
	_ = s.AddDataPoint("afr", 2, 13.1, "bank1")

	c, _ := s.Chart("afr")
	if c.Series[0].Points[0].Y != 14.7 || len(c.Series[0].Points) != 2 {
		t.Fatalf("store changed through snapshot: %+v", c.Series[0])
	}
	if c.Series[0].Style != "red" {
		t.Fatalf("style: %q", c.Series[0].Style)
	}
}

func TestStoreErrors(t *testing.T) {
	s := NewStore(0)
	if err := s.CreateChart("", "x", ""); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("empty id: %v", err)
	}
	if err := s.CreateChart("x", "x", "pie"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("kind: %v", err)
	}
	if err := s.AddDataPoint("nope", 0, 0, "s"); !errors.Is(err, ErrUnknownChart) {
		t.Fatalf("unknown chart point: %v", err)
	}
	if err := s.AddDataSeries("nope", "s", ""); !errors.Is(err, ErrUnknownChart) {
		t.Fatalf("unknown chart series: %v", err)
	}
	_ = s.CreateChart("x", "x", "")
	if err := s.AddDataPoint("x", 0, 0, ""); !errors.Is(err, ErrEmptySeries) {
		t.Fatalf("empty series: %v", err)
	}
}

func TestStoreRecreateKeepsData(t *testing.T) {
	s := NewStore(0)
	_ = s.CreateChart("map", "MAP", "")
	_ = s.AddDataPoint("map", 1, 100, "kpa")
	if err := s.CreateChart("map", "Manifold pressure", KindGauge); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	c, _ := s.Chart("map")
	if c.Title != "Manifold pressure" || c.Kind != KindGauge || len(c.Series) != 1 {
		t.Fatalf("chart after recreate: %+v", c)
	}
}
