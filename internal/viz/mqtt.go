package viz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Payload formats.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
	mqttMaxPending     = 256 // point publishes awaiting the broker
	metaTopic          = "$meta"
)

var (
	ErrMQTTNotConnected = errors.New("mqtt not connected")
	ErrUnknownFormat    = errors.New("unknown payload format")
	ErrMQTTBacklog      = errors.New("mqtt publish backlog full")
)

// MQTTConfig configures the MQTT visualization backend.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"-"`
	Prefix   string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS      byte   `yaml:"qos" json:"qos"`
	Format   string `yaml:"format" json:"format"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Prefix == "" {
		c.Prefix = "efibridge"
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.ClientID == "" {
		c.ClientID = "efibridge-" + uuid.NewString()[:8]
	}
	return c
}

// mqttPublisher is the part of mqtt.Client the backend needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type pointPayload struct {
	ID     string  `json:"id" msgpack:"id"`
	Chart  string  `json:"chart" msgpack:"chart"`
	Series string  `json:"series" msgpack:"series"`
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Stamp  int64   `json:"stamp" msgpack:"stamp"`
}

type chartMeta struct {
	ID     string            `json:"id" msgpack:"id"`
	Title  string            `json:"title" msgpack:"title"`
	Kind   string            `json:"kind" msgpack:"kind"`
	Series map[string]string `json:"series" msgpack:"series"`
}

// MQTTStats counts publishes.
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
	Pending   int    `json:"pending"`
}

// MQTTPublisher publishes chart points to <prefix>/<chart>/<series> and
// chart definitions, retained, to <prefix>/<chart>/$meta.
type MQTTPublisher struct {
	cfg MQTTConfig
	log zerolog.Logger

	mu        sync.RWMutex
	client    mqttPublisher
	closer    func()
	connected bool
	charts    map[string]*chartMeta
	published uint64
	errors    uint64
	pending   int
}

func NewMQTTPublisher(cfg MQTTConfig, log zerolog.Logger) (*MQTTPublisher, error) {
	cfg = cfg.withDefaults()
	if cfg.Format != FormatJSON && cfg.Format != FormatMsgpack {
		return nil, fmt.Errorf("%q: %w", cfg.Format, ErrUnknownFormat)
	}
	return &MQTTPublisher{cfg: cfg, log: log, charts: make(map[string]*chartMeta)}, nil
}

// Connect dials the broker. paho reconnects on its own afterwards.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.log.Info().Str("broker", p.cfg.Broker).Msg("mqtt connected")
		p.republishMeta()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.log.Warn().Err(err).Str("broker", p.cfg.Broker).Msg("mqtt connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(mqttConnectTimeout):
		return fmt.Errorf("mqtt connect %s: timeout", p.cfg.Broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.cfg.Broker, err)
	}

	p.mu.Lock()
	p.client = client
	p.closer = func() { client.Disconnect(250) }
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	closer := p.closer
	p.client, p.closer, p.connected = nil, nil, false
	p.mu.Unlock()
	if closer != nil {
		closer()
	}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) CreateChart(id, title, kind string) error {
	if id == "" {
		return ErrEmptyID
	}
	k, err := normalizeKind(kind)
	if err != nil {
		return err
	}
	p.mu.Lock()
	m, ok := p.charts[id]
	if !ok {
		m = &chartMeta{ID: id, Series: make(map[string]string)}
		p.charts[id] = m
	}
	m.Title, m.Kind = title, k
	meta := m.copy()
	p.mu.Unlock()
	return p.publishMeta(meta)
}

func (p *MQTTPublisher) AddDataSeries(chartID, series, style string) error {
	if series == "" {
		return ErrEmptySeries
	}
	p.mu.Lock()
	m, ok := p.charts[chartID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%q: %w", chartID, ErrUnknownChart)
	}
	m.Series[series] = style
	meta := m.copy()
	p.mu.Unlock()
	return p.publishMeta(meta)
}

func (p *MQTTPublisher) AddDataPoint(chartID string, x, y float64, series string) error {
	if series == "" {
		return ErrEmptySeries
	}
	p.mu.RLock()
	_, ok := p.charts[chartID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%q: %w", chartID, ErrUnknownChart)
	}
	payload, err := p.encode(pointPayload{
		ID:     uuid.NewString(),
		Chart:  chartID,
		Series: series,
		X:      x,
		Y:      y,
		Stamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return p.publishPoint(p.topic(chartID, series), payload)
}

func (p *MQTTPublisher) publishMeta(meta chartMeta) error {
	payload, err := p.encode(meta)
	if err != nil {
		return err
	}
	return p.publish(p.topic(meta.ID, metaTopic), true, payload)
}

// republishMeta restores retained chart definitions after a reconnect.
func (p *MQTTPublisher) republishMeta() {
	p.mu.RLock()
	metas := make([]chartMeta, 0, len(p.charts))
	for _, m := range p.charts {
		metas = append(metas, m.copy())
	}
	p.mu.RUnlock()
	for _, m := range metas {
		if err := p.publishMeta(m); err != nil {
			p.log.Debug().Err(err).Str("chart", m.ID).Msg("republish meta")
		}
	}
}

func (p *MQTTPublisher) connectedClient() (mqttPublisher, error) {
	p.mu.RLock()
	client, connected := p.client, p.connected
	p.mu.RUnlock()
	if client == nil || !connected {
		p.countError()
		return nil, ErrMQTTNotConnected
	}
	return client, nil
}

// publish waits for the broker to take the message.
func (p *MQTTPublisher) publish(topic string, retained bool, payload []byte) error {
	client, err := p.connectedClient()
	if err != nil {
		return err
	}
	token := client.Publish(topic, p.cfg.QoS, retained, payload)
	return p.settle(topic, token, token.WaitTimeout(mqttPublishTimeout))
}

// publishPoint hands a point to the client without waiting for the broker.
// A token still pending is settled on its own goroutine, at most
// mqttMaxPending of them at once.
func (p *MQTTPublisher) publishPoint(topic string, payload []byte) error {
	client, err := p.connectedClient()
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.pending >= mqttMaxPending {
		p.errors++
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", topic, ErrMQTTBacklog)
	}
	p.pending++
	p.mu.Unlock()

	token := client.Publish(topic, p.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		defer p.release()
		return p.settle(topic, token, true)
	default:
	}
	go func() {
		defer p.release()
		if err := p.settle(topic, token, token.WaitTimeout(mqttPublishTimeout)); err != nil {
			p.log.Debug().Err(err).Msg("mqtt point dropped")
		}
	}()
	return nil
}

func (p *MQTTPublisher) release() {
	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
}

// settle counts the result of a publish token.
func (p *MQTTPublisher) settle(topic string, token mqtt.Token, done bool) error {
	var err error
	if !done {
		err = fmt.Errorf("publish %s: timeout", topic)
	} else if terr := token.Error(); terr != nil {
		err = fmt.Errorf("publish %s: %w", topic, terr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.errors++
		return err
	}
	p.published++
	return nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

func (p *MQTTPublisher) encode(v any) ([]byte, error) {
	if p.cfg.Format == FormatMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func (p *MQTTPublisher) topic(chartID, leaf string) string {
	return p.cfg.Prefix + "/" + topicSegment(chartID) + "/" + topicSegment(leaf)
}

// topicSegment strips MQTT wildcards and level separators from a name.
func topicSegment(s string) string {
	if s == metaTopic {
		return s
	}
	return strings.NewReplacer("+", "_", "#", "_", "/", "_").Replace(s)
}

func (p *MQTTPublisher) Stats() MQTTStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return MQTTStats{Connected: p.connected, Published: p.published, Errors: p.errors, Pending: p.pending}
}

func (m *chartMeta) copy() chartMeta {
	c := *m
	c.Series = make(map[string]string, len(m.Series))
	for k, v := range m.Series {
		c.Series[k] = v
	}
	return c
}
