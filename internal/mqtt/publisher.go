package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/events"
	"github.com/nugget/mcphub/internal/registry"
)

// StatusSource provides the server states to publish. The registry
// satisfies it.
type StatusSource interface {
	Status() map[string]registry.ServerStatus
}

// message is one outbound MQTT publish.
type message struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// publishFunc delivers a message to the broker.
type publishFunc func(ctx context.Context, m message) error

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes hub and
// per-server states to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     StatusSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	events     *events.Bus

	mu        sync.Mutex
	publish   publishFunc
	announced map[string]bool // servers whose discovery config is on the broker
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		logger:     logger,
		announced:  make(map[string]bool),
	}
}

// SetEvents makes the publish loop push states as soon as a server
// changes state instead of waiting for the next interval.
func (p *Publisher) SetEvents(bus *events.Bus) {
	p.events = bus
}

// Device returns the HA device block used in discovery payloads.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.mu.Lock()
			p.attach(cm)
			// The broker may have lost retained state; announce everything again.
			p.announced = make(map[string]bool)
			p.mu.Unlock()
			p.send(ctx, p.hubDiscoveryMessages())
			p.send(ctx, []message{p.availabilityMessage("online")})
			p.publishStates(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcphub-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.mu.Lock()
	p.attach(cm)
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// attach binds the publisher to cm. The caller holds p.mu.
func (p *Publisher) attach(cm *autopaho.ConnectionManager) {
	if p.cm == cm {
		return
	}
	p.cm = cm
	p.publish = func(ctx context.Context, m message) error {
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     m.qos,
			Retain:  m.retain,
		})
		return err
	}
}

// Stop publishes "offline" to the availability topic and disconnects.
// The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.send(ctx, []message{p.availabilityMessage("offline")})
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "mcphub/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

var entityRe = regexp.MustCompile(`[^a-z0-9_]`)

// serverEntity is the entity suffix for a server's sensor.
func serverEntity(name string) string {
	return "server_" + entityRe.ReplaceAllString(strings.ToLower(name), "_")
}

// --- Discovery ---

type sensorDef struct {
	component    string
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Origin:            origin(),
		Icon:              icon,
	}
}

// sensorDefinitions returns the hub-level sensors.
func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	running := p.sensor("servers_running", "Servers Running", "mdi:server")
	running.StateClass = "measurement"

	failed := p.sensor("servers_failed", "Servers Failed", "mdi:server-off")
	failed.StateClass = "measurement"

	tools := p.sensor("tools", "Tools", "mdi:tools")
	tools.StateClass = "measurement"

	return []sensorDef{
		{componentSensor, "uptime", uptime},
		{componentSensor, "version", version},
		{componentSensor, "servers_running", running},
		{componentSensor, "servers_failed", failed},
		{componentSensor, "tools", tools},
	}
}

// serverSensor returns the discovery config for one server: a
// connectivity binary sensor whose state is the registry state string.
func (p *Publisher) serverSensor(name string) sensorDef {
	entity := serverEntity(name)
	cfg := p.sensor(entity, "Server "+name, "mdi:server-network")
	cfg.DeviceClass = "connectivity"
	cfg.PayloadOn = string(registry.StateRunning)
	cfg.PayloadOff = string(registry.StateFailed)
	cfg.JsonAttributesTopic = p.attributesTopic(entity)
	return sensorDef{component: componentBinarySensor, entitySuffix: entity, config: cfg}
}

func (p *Publisher) discoveryMessage(s sensorDef) (message, error) {
	payload, err := json.Marshal(s.config)
	if err != nil {
		return message{}, fmt.Errorf("marshal discovery payload for %s: %w", s.entitySuffix, err)
	}
	return message{
		topic:   p.discoveryTopic(s.component, s.entitySuffix),
		payload: payload,
		qos:     1,
		retain:  true,
	}, nil
}

func (p *Publisher) hubDiscoveryMessages() []message {
	var msgs []message
	for _, s := range p.sensorDefinitions() {
		m, err := p.discoveryMessage(s)
		if err != nil {
			p.logger.Error("mqtt discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (p *Publisher) availabilityMessage(status string) message {
	return message{
		topic:   p.availabilityTopic(),
		payload: []byte(status),
		qos:     1,
		retain:  true,
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var changes <-chan events.Event
	if p.events != nil {
		changes = p.events.Subscribe(16)
		defer p.events.Unsubscribe(changes)
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if changesState(e) {
				p.publishStates(ctx)
			}
		}
	}
}

// changesState reports whether e alters what the state topics show.
func changesState(e events.Event) bool {
	switch e.Kind {
	case events.KindServerRunning, events.KindServerFailed,
		events.KindServerAdded, events.KindServerRemoved:
		return true
	}
	return false
}

func (p *Publisher) publishStates(ctx context.Context) {
	p.mu.Lock()
	started := p.publish != nil
	p.mu.Unlock()
	if !started {
		return
	}

	msgs := p.stateMessages(p.source.Status())
	p.send(ctx, msgs)
	p.logger.Debug("mqtt states published", "messages", len(msgs))
}

// stateMessages builds the hub states, per-server discovery for newly
// seen servers, per-server states and attributes, and clearing
// messages for servers that are gone.
func (p *Publisher) stateMessages(status map[string]registry.ServerStatus) []message {
	running, failed, tools := 0, 0, 0
	names := make([]string, 0, len(status))
	for name, st := range status {
		names = append(names, name)
		if st.Status == registry.StateRunning {
			running++
			tools += st.Tools
		} else {
			failed++
		}
	}
	sort.Strings(names)

	state := func(entity, value string) message {
		return message{topic: p.stateTopic(entity), payload: []byte(value), retain: true}
	}

	msgs := []message{
		state("uptime", buildinfo.Uptime().String()),
		state("version", buildinfo.Version),
		state("servers_running", strconv.Itoa(running)),
		state("servers_failed", strconv.Itoa(failed)),
		state("tools", strconv.Itoa(tools)),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range names {
		st := status[name]
		def := p.serverSensor(name)
		if !p.announced[name] {
			m, err := p.discoveryMessage(def)
			if err != nil {
				p.logger.Error("mqtt discovery payload", "mcp_server", name, "error", err)
				continue
			}
			msgs = append(msgs, m)
			p.announced[name] = true
		}

		msgs = append(msgs, state(def.entitySuffix, string(st.Status)))
		attrs, err := json.Marshal(st)
		if err != nil {
			p.logger.Error("mqtt marshal server attributes", "mcp_server", name, "error", err)
			continue
		}
		msgs = append(msgs, message{topic: p.attributesTopic(def.entitySuffix), payload: attrs, retain: true})
	}

	var gone []string
	for name := range p.announced {
		if _, ok := status[name]; !ok {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	for _, name := range gone {
		entity := serverEntity(name)
		// An empty retained payload deletes the retained message and
		// removes the entity from HA.
		msgs = append(msgs,
			message{topic: p.discoveryTopic(componentBinarySensor, entity), qos: 1, retain: true},
			message{topic: p.stateTopic(entity), retain: true},
			message{topic: p.attributesTopic(entity), retain: true},
		)
		delete(p.announced, name)
	}

	return msgs
}

// send publishes msgs, logging failures. Nothing is sent before Start.
func (p *Publisher) send(ctx context.Context, msgs []message) {
	p.mu.Lock()
	publish := p.publish
	p.mu.Unlock()
	if publish == nil {
		return
	}

	for _, m := range msgs {
		if err := publish(ctx, m); err != nil {
			p.logger.Debug("mqtt publish failed", "topic", m.topic, "error", err)
		}
	}
}
