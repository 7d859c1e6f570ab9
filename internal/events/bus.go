// Package events carries state-change notifications from pollers to
// consumers without letting a slow consumer stall the poller.
package events

import (
	"reflect"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"
)

const (
	TopicECUState = "ecu.state"
	TopicBinding  = "bridge.binding"
)

// Subscription delivers published values. Consumers that fall behind miss
// events; publishers never wait.
type Subscription chan interface{}

// Bus is the process event bus.
type Bus interface {
	Publish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// ECUStateChanged is published on TopicECUState.
type ECUStateChanged struct {
	ECU   string    `json:"ecu"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// BindingChanged is published on TopicBinding when a binding is added,
// removed or toggled.
type BindingChanged struct {
	ID     string `json:"id"`
	Action string `json:"action"` // bound, unbound, activated, deactivated
}

// PubSubBus implements Bus on cskr/pubsub.
type PubSubBus struct {
	ps      *pubsub.PubSub
	log     zerolog.Logger
	closed  atomic.Bool
	dropped atomic.Uint64
}

func New(capacity int, log zerolog.Logger) *PubSubBus {
	if capacity <= 0 {
		capacity = 128
	}
	return &PubSubBus{ps: pubsub.New(capacity), log: log}
}

// Publish never blocks on subscribers; full subscriber channels miss msg.
func (b *PubSubBus) Publish(topic string, msg any) {
	if b.closed.Load() {
		b.dropped.Add(1)
		return
	}
	b.log.Trace().Str("topic", topic).Str("payload_type", payloadType(msg)).Msg("publish")
	b.ps.TryPub(msg, topic)
}

func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	b.log.Debug().Strs("topics", topics).Msg("subscribe")
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if b.closed.Load() {
		return
	}
	b.ps.Unsub(ch, topics...)
}

// Close shuts the bus down and closes every subscription channel.
func (b *PubSubBus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.ps.Shutdown()
}

// Dropped counts publishes attempted after Close.
func (b *PubSubBus) Dropped() uint64 { return b.dropped.Load() }

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}

// Nop discards everything. Useful when no consumer needs events.
type Nop struct{}

func (Nop) Publish(string, any) {}
func (Nop) Subscribe(...string) Subscription { return make(Subscription) }
func (Nop) Unsubscribe(Subscription, ...string) {}
func (Nop) Close() {}
