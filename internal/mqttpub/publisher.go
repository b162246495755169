// Package mqttpub mirrors the pickup sensors to an MQTT broker using Home
// Assistant discovery. Discovery configs and states are retained so a
// restarting Home Assistant picks them up without waiting for a refresh.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mozillazg/go-unidecode"

	"github.com/klabast/wb-services/bir-tomming/internal/logging"
	"github.com/klabast/wb-services/bir-tomming/internal/sensor"
)

const (
	qos            = 1
	connectTimeout = 10 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
	payloadNone    = "None"
)

// Options configures a Publisher.
type Options struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string

	// DeviceName groups the sensors in Home Assistant.
	DeviceName string

	// OnConnect runs after every (re)connect once the bridge is marked
	// online. Discovery is sent again on the next Publish.
	OnConnect func()

	Logger *slog.Logger
}

// client is the subset of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher announces and updates sensors on a broker.
type Publisher struct {
	client          client
	clientID        string
	topicPrefix     string
	discoveryPrefix string
	deviceName      string
	onConnect       func()
	logger          *slog.Logger

	mu        sync.Mutex
	announced map[string]bool
}

// Connect dials the broker and marks the bridge online. The connection
// reconnects on its own after drops.
func Connect(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	logger := logging.Default(opts.Logger).With("component", "mqtt")

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(AvailabilityTopic(opts.TopicPrefix), payloadOffline, qos, true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("connection lost", "error", err)
		})

	p := newPublisher(nil, opts, logger)
	co.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("connected", "broker", opts.Broker)
		p.connected(c)
	})

	c := mqtt.NewClient(co)
	if err := wait(ctx, c.Connect()); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	p.client = c
	return p, nil
}

func newPublisher(c client, opts Options, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:          c,
		clientID:        opts.ClientID,
		topicPrefix:     opts.TopicPrefix,
		discoveryPrefix: opts.DiscoveryPrefix,
		deviceName:      opts.DeviceName,
		onConnect:       opts.OnConnect,
		logger:          logging.Default(logger),
		announced:       make(map[string]bool),
	}
}

// connected marks the bridge online and forgets what was announced, in case
// the broker lost retained messages while we were away.
func (p *Publisher) connected(c client) {
	p.mu.Lock()
	clear(p.announced)
	p.mu.Unlock()
	c.Publish(AvailabilityTopic(p.topicPrefix), qos, true, payloadOnline)
	if p.onConnect != nil {
		p.onConnect()
	}
}

// Publish sends discovery for new sensors and the current state of all of
// them. It stops at the first failed publish.
func (p *Publisher) Publish(ctx context.Context, address string, sensors []sensor.Sensor) error {
	for _, s := range sensors {
		if err := p.announce(ctx, address, s); err != nil {
			return err
		}
		state := s.StateString()
		if state == "" {
			state = payloadNone
		}
		topic := StateTopic(p.topicPrefix, address, s.Category)
		if err := wait(ctx, p.client.Publish(topic, qos, true, state)); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	p.logger.Debug("sensors published", "count", len(sensors))
	return nil
}

func (p *Publisher) announce(ctx context.Context, address string, s sensor.Sensor) error {
	p.mu.Lock()
	done := p.announced[s.UniqueID]
	p.mu.Unlock()
	if done {
		return nil
	}

	payload, err := json.Marshal(p.discovery(address, s))
	if err != nil {
		return fmt.Errorf("encode discovery for %s: %w", s.UniqueID, err)
	}
	topic := DiscoveryTopic(p.discoveryPrefix, s.UniqueID)
	if err := wait(ctx, p.client.Publish(topic, qos, true, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.mu.Lock()
	p.announced[s.UniqueID] = true
	p.mu.Unlock()
	p.logger.Info("sensor announced", "unique_id", s.UniqueID, "topic", topic)
	return nil
}

// Forget removes the discovery config of sensors that no longer exist,
// e.g. after the address changed.
func (p *Publisher) Forget(ctx context.Context, uniqueIDs []string) error {
	for _, id := range uniqueIDs {
		topic := DiscoveryTopic(p.discoveryPrefix, id)
		if err := wait(ctx, p.client.Publish(topic, qos, true, []byte{})); err != nil {
			return fmt.Errorf("clear %s: %w", topic, err)
		}
		p.mu.Lock()
		delete(p.announced, id)
		p.mu.Unlock()
	}
	return nil
}

// Close marks the bridge offline and disconnects.
func (p *Publisher) Close() {
	tok := p.client.Publish(AvailabilityTopic(p.topicPrefix), qos, true, payloadOffline)
	tok.WaitTimeout(time.Second)
	p.client.Disconnect(250)
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
}

type discoveryConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	ObjectID          string `json:"object_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	Icon              string `json:"icon"`
	DeviceClass       string `json:"device_class"`
	Device            device `json:"device"`
}

func (p *Publisher) discovery(address string, s sensor.Sensor) discoveryConfig {
	return discoveryConfig{
		Name:              s.Name,
		UniqueID:          s.UniqueID,
		ObjectID:          Slug(s.UniqueID),
		StateTopic:        StateTopic(p.topicPrefix, address, s.Category),
		AvailabilityTopic: AvailabilityTopic(p.topicPrefix),
		Icon:              s.Icon,
		DeviceClass:       s.DeviceClass,
		Device: device{
			Identifiers:  []string{p.clientID},
			Name:         p.deviceName,
			Manufacturer: "BIR",
		},
	}
}

// DiscoveryTopic is <prefix>/sensor/<slug(uniqueID)>/config.
func DiscoveryTopic(prefix, uniqueID string) string {
	return prefix + "/sensor/" + Slug(uniqueID) + "/config"
}

// StateTopic is <prefix>/<slug(address)>/<slug(category)>/state.
func StateTopic(prefix, address, category string) string {
	return prefix + "/" + Slug(address) + "/" + Slug(category) + "/state"
}

// AvailabilityTopic is <prefix>/status.
func AvailabilityTopic(prefix string) string {
	return prefix + "/status"
}

// Slug transliterates s to lowercase ASCII (æ becomes ae, ø becomes o) and
// replaces every run of characters outside [a-z0-9] with one underscore.
func Slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(unidecode.Unidecode(s)) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
