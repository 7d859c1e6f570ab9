// Package viz holds the visualization backends the bridge writes to.
package viz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultPointsPerSeries bounds the history kept for one series.
const DefaultPointsPerSeries = 1000

// Chart kinds an external renderer knows how to draw.
const (
	KindLine    = "line"
	KindScatter = "scatter"
	KindBar     = "bar"
	KindGauge   = "gauge"
)

var (
	ErrEmptyID      = errors.New("chart id is empty")
	ErrUnknownChart = errors.New("unknown chart")
	ErrUnknownKind  = errors.New("unknown chart kind")
	ErrEmptySeries  = errors.New("series name is empty")
)

func normalizeKind(kind string) (string, error) {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "":
		return KindLine, nil
	case KindLine, KindScatter, KindBar, KindGauge:
		return k, nil
	}
	return "", fmt.Errorf("%q: %w", kind, ErrUnknownKind)
}

// Point is one sample of a series.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type series struct {
	style  string
	points []Point
	next   int
	full   bool
	total  uint64
}

func (s *series) add(p Point, capacity int) {
	s.total++
	if len(s.points) < capacity {
		s.points = append(s.points, p)
		return
	}
	s.points[s.next] = p
	s.next = (s.next + 1) % capacity
	s.full = true
}

// ordered returns the points oldest first.
func (s *series) ordered() []Point {
	out := make([]Point, 0, len(s.points))
	if !s.full {
		return append(out, s.points...)
	}
	out = append(out, s.points[s.next:]...)
	return append(out, s.points[:s.next]...)
}

type chart struct {
	title  string
	kind   string
	series map[string]*series
}

// Store is an in-process chart store. Each series keeps a bounded ring of
// its most recent points; readers get copies.
type Store struct {
	capacity int

	mu     sync.RWMutex
	charts map[string]*chart
}

func NewStore(pointsPerSeries int) *Store {
	if pointsPerSeries <= 0 {
		pointsPerSeries = DefaultPointsPerSeries
	}
	return &Store{capacity: pointsPerSeries, charts: make(map[string]*chart)}
}

// CreateChart adds a chart, or retitles an existing one keeping its data.
func (s *Store) CreateChart(id, title, kind string) error {
	if id == "" {
		return ErrEmptyID
	}
	k, err := normalizeKind(kind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.charts[id]; ok {
		c.title, c.kind = title, k
		return nil
	}
	s.charts[id] = &chart{title: title, kind: k, series: make(map[string]*series)}
	return nil
}

// AddDataSeries declares a series with a rendering style.
func (s *Store) AddDataSeries(chartID, name, style string) error {
	if name == "" {
		return ErrEmptySeries
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charts[chartID]
	if !ok {
		return fmt.Errorf("%q: %w", chartID, ErrUnknownChart)
	}
	if sr, ok := c.series[name]; ok {
		sr.style = style
		return nil
	}
	c.series[name] = &series{style: style}
	return nil
}

// AddDataPoint appends (x, y) to a series, creating the series on first use.
func (s *Store) AddDataPoint(chartID string, x, y float64, name string) error {
	if name == "" {
		return ErrEmptySeries
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charts[chartID]
	if !ok {
		return fmt.Errorf("%q: %w", chartID, ErrUnknownChart)
	}
	sr, ok := c.series[name]
	if !ok {
		sr = &series{}
		c.series[name] = sr
	}
	sr.add(Point{X: x, Y: y}, s.capacity)
	return nil
}

// SeriesSnapshot is a copy of one series.
type SeriesSnapshot struct {
	Name   string  `json:"name"`
	Style  string  `json:"style,omitempty"`
	Total  uint64  `json:"total"`
	Points []Point `json:"points"`
}

// ChartSnapshot is a copy of one chart.
type ChartSnapshot struct {
	ID     string           `json:"id"`
	Title  string           `json:"title"`
	Kind   string           `json:"kind"`
	Series []SeriesSnapshot `json:"series"`
}

// Chart returns a copy of the chart with id.
func (s *Store) Chart(id string) (ChartSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charts[id]
	if !ok {
		return ChartSnapshot{}, false
	}
	return c.snapshot(id), true
}

// Snapshot copies every chart, sorted by id.
func (s *Store) Snapshot() []ChartSnapshot {
	s.mu.RLock()
	out := make([]ChartSnapshot, 0, len(s.charts))
	for id, c := range s.charts {
		out = append(out, c.snapshot(id))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *chart) snapshot(id string) ChartSnapshot {
	cs := ChartSnapshot{ID: id, Title: c.title, Kind: c.kind, Series: make([]SeriesSnapshot, 0, len(c.series))}
	for name, sr := range c.series {
		cs.Series = append(cs.Series, SeriesSnapshot{Name: name, Style: sr.style, Total: sr.total, Points: sr.ordered()})
	}
	sort.Slice(cs.Series, func(i, j int) bool { return cs.Series[i].Name < cs.Series[j].Name })
	return cs
}
