package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crm-voice/pkg/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// mqttConn is the part of mqtt.Client the bus uses.
type mqttConn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTBus carries change events over an MQTT broker. Channel names map to
// topics under TopicPrefix with ':' replaced by '/'.
//
// The client holds one handler per topic, so the bus subscribes a topic once
// and fans messages out to every local subscription on it. The broker
// subscription is dropped when the last local one closes.
type MQTTBus struct {
	client mqttConn
	qos    byte
	prefix string
	log    *slog.Logger

	// subMu serializes broker subscribe/unsubscribe round trips. mu guards
	// the fan-out table and is the only lock the message handler takes.
	subMu  sync.Mutex
	mu     sync.Mutex
	topics map[string]map[*mqttSub]struct{}
	closed bool
}

// NewMQTTBus creates and connects an MQTT bus.
func NewMQTTBus(opts MQTTOptions, log *slog.Logger) (*MQTTBus, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOrderMatters(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	return newMQTTBus(client, opts, log), nil
}

func newMQTTBus(conn mqttConn, opts MQTTOptions, log *slog.Logger) *MQTTBus {
	return &MQTTBus{
		client: conn,
		qos:    opts.QoS,
		prefix: strings.Trim(opts.TopicPrefix, "/"),
		log:    logger.Component(log, "feed.mqtt"),
		topics: map[string]map[*mqttSub]struct{}{},
	}
}

// Topic maps a channel name to its MQTT topic.
func (b *MQTTBus) Topic(channel string) string {
	t := strings.ReplaceAll(channel, ":", "/")
	if b.prefix == "" {
		return t
	}
	return b.prefix + "/" + t
}

func (b *MQTTBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	token := b.client.Publish(b.Topic(channel), b.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	topic := b.Topic(channel)
	s := &mqttSub{bus: b, topic: topic, out: make(chan []byte, memoryBuffer)}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, shared := b.topics[topic]
	if !shared {
		set = map[*mqttSub]struct{}{}
		b.topics[topic] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	if shared {
		return s, nil
	}

	token := b.client.Subscribe(topic, b.qos, func(_ mqtt.Client, m mqtt.Message) {
		b.dispatch(topic, m.Payload())
	})
	var err error
	select {
	case <-token.Done():
		err = token.Error()
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		b.mu.Lock()
		b.detach(s)
		b.mu.Unlock()
		return nil, fmt.Errorf("feed: mqtt subscribe %s: %w", topic, err)
	}
	return s, nil
}

// Subscribers reports how many local subscriptions share topic.
func (b *MQTTBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *MQTTBus) dispatch(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.topics[topic] {
		select {
		case s.out <- append([]byte(nil), payload...):
		default:
			b.log.Warn("subscriber buffer full, dropping message", "topic", topic)
		}
	}
}

// detach removes s and closes its channel. It reports whether s was the last
// subscription on its topic. Callers hold b.mu.
func (b *MQTTBus) detach(s *mqttSub) (last bool) {
	set, ok := b.topics[s.topic]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	close(s.out)
	if len(set) > 0 {
		return false
	}
	delete(b.topics, s.topic)
	return true
}

func (b *MQTTBus) unsubscribe(s *mqttSub) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	last := b.detach(s)
	closed := b.closed
	b.mu.Unlock()
	if !last || closed {
		return nil
	}
	token := b.client.Unsubscribe(s.topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("feed: mqtt unsubscribe %s: %w", s.topic, err)
	}
	return nil
}

func (b *MQTTBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, set := range b.topics {
		for s := range set {
			close(s.out)
		}
	}
	b.topics = map[string]map[*mqttSub]struct{}{}
	b.mu.Unlock()

	b.client.Disconnect(1000)
	return nil
}

type mqttSub struct {
	bus   *MQTTBus
	topic string
	out   chan []byte
	once  sync.Once
}

func (s *mqttSub) Messages() <-chan []byte { return s.out }

func (s *mqttSub) Close() error {
	var err error
	s.once.Do(func() { err = s.bus.unsubscribe(s) })
	return err
}
