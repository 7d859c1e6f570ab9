package viz

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxRows rotates the file after 100k rows (under 20 minutes at 100 Hz).
const DefaultMaxRows = 100_000

// CSVConfig configures the CSV recorder.
type CSVConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

var csvHeader = []string{"timestamp", "chart", "series", "x", "y"}

// CSVRecorder writes every data point to rotating CSV files in a directory.
type CSVRecorder struct {
	log     zerolog.Logger
	dir     string
	maxRows int
	now     func() time.Time

	mu      sync.Mutex
	enabled bool
	charts  map[string]struct{}
	file    *os.File
	writer  *csv.Writer
	path    string
	rows    int
	files   int
}

func NewCSVRecorder(cfg CSVConfig, log zerolog.Logger) *CSVRecorder {
	if cfg.Path == "" {
		cfg.Path = "datalogs"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &CSVRecorder{
		log:     log,
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		now:     time.Now,
		enabled: cfg.Enabled,
		charts:  make(map[string]struct{}),
	}
}

// SetEnabled toggles recording. Disabling closes the current file.
func (r *CSVRecorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *CSVRecorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently written, if any.
func (r *CSVRecorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *CSVRecorder) CreateChart(id, title, kind string) error {
	if id == "" {
		return ErrEmptyID
	}
	if _, err := normalizeKind(kind); err != nil {
		return err
	}
	r.mu.Lock()
	r.charts[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *CSVRecorder) AddDataSeries(chartID, series, style string) error {
	if series == "" {
		return ErrEmptySeries
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.charts[chartID]; !ok {
		return fmt.Errorf("%q: %w", chartID, ErrUnknownChart)
	}
	return nil
}

// AddDataPoint appends one row. Points for unknown charts are rejected even
// while recording is disabled.
func (r *CSVRecorder) AddDataPoint(chartID string, x, y float64, series string) error {
	if series == "" {
		return ErrEmptySeries
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.charts[chartID]; !ok {
		return fmt.Errorf("%q: %w", chartID, ErrUnknownChart)
	}
	if !r.enabled {
		return nil
	}

	now := r.now()
	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			return fmt.Errorf("rotate datalog: %w", err)
		}
	}
	row := []string{
		now.Format(time.RFC3339Nano),
		chartID,
		series,
		strconv.FormatFloat(x, 'f', 3, 64),
		strconv.FormatFloat(y, 'f', -1, 64),
	}
	if err := r.writer.Write(row); err != nil {
		return fmt.Errorf("write datalog: %w", err)
	}
	r.writer.Flush()
	r.rows++
	return r.writer.Error()
}

// Close flushes and closes the current file.
func (r *CSVRecorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *CSVRecorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}
	r.files++
	name := fmt.Sprintf("efibridge_%s_%03d.csv", now.Format("2006-01-02_150405"), r.files)
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	r.file = f
	r.writer = csv.NewWriter(f)
	r.path = path
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()
	r.log.Info().Str("path", path).Msg("datalog opened")
	return nil
}

func (r *CSVRecorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			r.log.Warn().Err(err).Str("path", r.path).Msg("close datalog")
		}
		r.file = nil
	}
}
