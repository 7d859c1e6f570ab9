// Package config loads the bridge configuration from YAML, a .env file and
// the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/efibridge/internal/bridge"
	"github.com/shaunagostinho/efibridge/internal/ecu"
	"github.com/shaunagostinho/efibridge/internal/logging"
	"github.com/shaunagostinho/efibridge/internal/viz"
)

// Plugin names the visualization backends register under.
const (
	PluginDashboard = "dashboard"
	PluginMQTT      = "mqtt"
	PluginDatalog   = "datalog"
)

// DefaultPath is used by Save when the config was not loaded from a file.
const DefaultPath = "/etc/efibridge/config.yaml"

// Config holds the whole bridge configuration.
type Config struct {
	mu sync.RWMutex

	ECUs          []ECUConfig         `yaml:"ecus" json:"ecus"`
	Bridge        BridgeConfig        `yaml:"bridge" json:"bridge"`
	Charts        []ChartConfig       `yaml:"charts" json:"charts"`
	Bindings      []bridge.Spec       `yaml:"bindings" json:"bindings"`
	Visualization VisualizationConfig `yaml:"visualization" json:"visualization"`
	Logging       logging.Options     `yaml:"logging" json:"logging"`
	Server        ServerConfig        `yaml:"server" json:"server"`

	path string // file path for save/load
}

// ECUConfig is one ECU backend; Name is its plugin name.
type ECUConfig struct {
	Name                 string `yaml:"name" json:"name"`
	ecu.ConnectionConfig `yaml:",inline"`
}

type BridgeConfig struct {
	ScanHz float64 `yaml:"scan_hz" json:"scanHz"`
}

type ChartConfig struct {
	ID     string         `yaml:"id" json:"id"`
	Title  string         `yaml:"title" json:"title"`
	Kind   string         `yaml:"kind" json:"kind"` // line, scatter, bar, gauge
	Series []SeriesConfig `yaml:"series" json:"series"`
}

type SeriesConfig struct {
	Name  string `yaml:"name" json:"name"`
	Style string `yaml:"style" json:"style"`
}

type VisualizationConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket" json:"websocket"`
	MQTT      viz.MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	CSV       viz.CSVConfig   `yaml:"csv" json:"csv"`
}

type WebSocketConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	PointsPerSeries int  `yaml:"points_per_series" json:"pointsPerSeries"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config that runs against the built-in simulator.
func DefaultConfig() *Config {
	return &Config{
		ECUs: []ECUConfig{{
			Name: "speeduino",
			ConnectionConfig: ecu.ConnectionConfig{
				Protocol:          "binary-crc",
				Port:              "sim",
				Baud:              ecu.DefaultBaud,
				AutoConnect:       true,
				AutoReconnect:     true,
				ReconnectInterval: ecu.DefaultReconnectInterval,
				MaxErrors:         ecu.DefaultMaxErrors,
				Stoich:            ecu.DefaultStoich,
			},
		}},
		Bridge: BridgeConfig{ScanHz: bridge.DefaultScanHz},
		Charts: []ChartConfig{
			{ID: "engine", Title: "Engine", Kind: viz.KindLine, Series: []SeriesConfig{{Name: "rpm"}, {Name: "map"}}},
			{ID: "temps", Title: "Temperatures", Kind: viz.KindLine, Series: []SeriesConfig{{Name: "coolant"}, {Name: "iat"}}},
			{ID: "mixture", Title: "Mixture", Kind: viz.KindLine, Series: []SeriesConfig{{Name: "afr"}}},
		},
		Bindings: []bridge.Spec{
			{ID: "rpm", Source: "speeduino", Field: "rpm", Dest: PluginDashboard, Chart: "engine", Series: "rpm", RateHz: 20},
			{ID: "map", Source: "speeduino", Field: "map", Dest: PluginDashboard, Chart: "engine", Series: "map", RateHz: 20},
			{ID: "coolant", Source: "speeduino", Field: "coolant", Dest: PluginDashboard, Chart: "temps", Series: "coolant", RateHz: 1},
			{ID: "iat", Source: "speeduino", Field: "iat", Dest: PluginDashboard, Chart: "temps", Series: "iat", RateHz: 1},
			{ID: "afr", Source: "speeduino", Field: "afr", Dest: PluginDashboard, Chart: "mixture", Series: "afr", RateHz: 10},
		},
		Visualization: VisualizationConfig{
			WebSocket: WebSocketConfig{Enabled: true, PointsPerSeries: viz.DefaultPointsPerSeries},
			MQTT: viz.MQTTConfig{
				Broker: "tcp://localhost:1883",
				Prefix: "efibridge",
				Format: viz.FormatJSON,
			},
			CSV: viz.CSVConfig{Path: "/var/log/efibridge", MaxRows: viz.DefaultMaxRows},
		},
		Logging: logging.Options{Level: "info", Format: "console"},
		Server:  ServerConfig{ListenAddr: ":8080"},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment overrides. A missing or unparsable file falls back to
// defaults.
func LoadConfig(path string, log zerolog.Logger) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config unparsable, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if loadEnvFile(ep) {
			log.Info().Str("path", ep).Msg("loaded .env")
		}
	}
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a KEY=VALUE file into the environment without
// overriding variables that are already set.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

func envBool(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides applies ECU_PORT, ECU_BAUD, ECU_PROTOCOL (to the first
// ECU), LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, MQTT_BROKER, BRIDGE_SCAN_HZ,
// CSV_ENABLED and CSV_PATH.
func (c *Config) applyEnvOverrides() {
	first := func() *ECUConfig {
		if len(c.ECUs) == 0 {
			c.ECUs = append(c.ECUs, ECUConfig{Name: "speeduino"})
		}
		return &c.ECUs[0]
	}
	if v := os.Getenv("ECU_PORT"); v != "" {
		first().Port = v
	}
	if v := os.Getenv("ECU_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			first().Baud = n
		}
	}
	if v := os.Getenv("ECU_PROTOCOL"); v != "" {
		first().Protocol = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.Visualization.MQTT.Broker = v
		c.Visualization.MQTT.Enabled = true
	}
	if v := os.Getenv("BRIDGE_SCAN_HZ"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Bridge.ScanHz = n
		}
	}
	if v := os.Getenv("CSV_ENABLED"); v != "" {
		c.Visualization.CSV.Enabled = envBool(v)
	}
	if v := os.Getenv("CSV_PATH"); v != "" {
		c.Visualization.CSV.Path = v
	}
}

var (
	ErrNoListenAddr = errors.New("server.listen_addr is empty")
	ErrDuplicate    = errors.New("duplicate name")
	ErrEmptyName    = errors.New("name is empty")
)

// Validate checks the config for mistakes that would only surface at run
// time. It returns every problem found, joined.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, ErrNoListenAddr)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	scanHz := c.Bridge.ScanHz
	if scanHz <= 0 {
		scanHz = bridge.DefaultScanHz
	}

	ecus := make(map[string]bool)
	for i, e := range c.ECUs {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Errorf("ecus[%d]: %w", i, ErrEmptyName))
		case ecus[e.Name]:
			errs = append(errs, fmt.Errorf("ecus[%d] %q: %w", i, e.Name, ErrDuplicate))
		}
		ecus[e.Name] = true
		if e.Port == "" {
			errs = append(errs, fmt.Errorf("ecus[%d] %q: port is empty", i, e.Name))
		}
	}

	charts := make(map[string]bool)
	for i, ch := range c.Charts {
		switch {
		case ch.ID == "":
			errs = append(errs, fmt.Errorf("charts[%d]: %w", i, ErrEmptyName))
		case charts[ch.ID]:
			errs = append(errs, fmt.Errorf("charts[%d] %q: %w", i, ch.ID, ErrDuplicate))
		}
		charts[ch.ID] = true
	}

	ids := make(map[string]bool)
	for i, b := range c.Bindings {
		if b.ID != "" && ids[b.ID] {
			errs = append(errs, fmt.Errorf("bindings[%d] %q: %w", i, b.ID, bridge.ErrDuplicateID))
		}
		ids[b.ID] = true
		if b.RateHz <= 0 || b.RateHz > scanHz {
			errs = append(errs, fmt.Errorf("bindings[%d] %q: %g Hz: %w", i, b.ID, b.RateHz, bridge.ErrInvalidRate))
		}
	}

	if m := c.Visualization.MQTT; m.Enabled {
		if m.Broker == "" {
			errs = append(errs, errors.New("visualization.mqtt.broker is empty"))
		}
		if m.Format != "" && m.Format != viz.FormatJSON && m.Format != viz.FormatMsgpack {
			errs = append(errs, fmt.Errorf("visualization.mqtt.format %q: %w", m.Format, viz.ErrUnknownFormat))
		}
	}
	return errors.Join(errs...)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON deep-merges a partial JSON document into the config.
// Fields absent from data keep their values; lists are replaced whole.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(current, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	// Decode into a fresh value so replaced lists do not keep stale elements.
	next := DefaultConfig()
	next.ECUs, next.Charts, next.Bindings = nil, nil, nil
	if err := json.Unmarshal(merged, next); err != nil {
		return err
	}
	next.Visualization.MQTT.Password = c.Visualization.MQTT.Password
	c.ECUs, c.Bridge, c.Charts, c.Bindings = next.ECUs, next.Bridge, next.Charts, next.Bindings
	c.Visualization, c.Logging, c.Server = next.Visualization, next.Logging, next.Server
	return nil
}

// deepMerge recursively merges src into dst. Nested maps merge, everything
// else in src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
