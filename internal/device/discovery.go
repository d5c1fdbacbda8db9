package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/mqtt"
)

// discoveryTimeout bounds the registry writes made for one message.
const discoveryTimeout = 5 * time.Second

// Subscriber is the part of the MQTT client used by Discovery.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Announcement is the payload a device host publishes on
// cloudcontrol/device/{id}/announce when it attaches a device.
type Announcement struct {
	UDID    string  `json:"udid,omitempty"`
	Serial  string  `json:"serial"`
	Host    string  `json:"host"`
	Port    int     `json:"port,omitempty"`
	Model   string  `json:"model"`
	Brand   string  `json:"brand,omitempty"`
	Version string  `json:"version,omitempty"`
	SDK     int     `json:"sdk,omitempty"`
	Display Display `json:"display"`
	Ready   *bool   `json:"ready,omitempty"`
}

// Discovery keeps the registry in step with device hosts announcing and
// withdrawing devices over MQTT.
type Discovery struct {
	registry *Registry
	sub      Subscriber
	qos      byte
	logger   Logger

	mu        sync.Mutex
	listeners []func(deviceID string)
	topics    []string
}

// NewDiscovery creates a Discovery feeding registry from sub.
func NewDiscovery(registry *Registry, sub Subscriber, qos byte) *Discovery {
	return &Discovery{
		registry: registry,
		sub:      sub,
		qos:      qos,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for discovery.
func (d *Discovery) SetLogger(logger Logger) {
	d.logger = logger
}

// OnOffline registers fn to be called with the id of every device reported
// offline, after the registry marked it absent.
func (d *Discovery) OnOffline(fn func(deviceID string)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// Start subscribes to the announce and offline topics of every device.
func (d *Discovery) Start() error {
	topics := mqtt.Topics{}
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{topics.AllDeviceAnnouncements(), d.handleAnnounce},
		{topics.AllDeviceOffline(), d.handleOffline},
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range subs {
		if err := d.sub.Subscribe(s.topic, d.qos, s.handler); err != nil {
			d.unsubscribeLocked()
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
		d.topics = append(d.topics, s.topic)
	}
	d.logger.Info("device discovery started", "topics", len(d.topics))
	return nil
}

// Stop removes the subscriptions made by Start.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubscribeLocked()
}

func (d *Discovery) unsubscribeLocked() {
	for _, topic := range d.topics {
		if err := d.sub.Unsubscribe(topic); err != nil {
			d.logger.Warn("discovery unsubscribe failed", "topic", topic, "error", err)
		}
	}
	d.topics = nil
}

func (d *Discovery) handleAnnounce(topic string, payload []byte) error {
	id, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %q", ErrInvalidAnnouncement, topic)
	}

	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}
	if a.UDID != "" && a.UDID != id {
		return fmt.Errorf("%w: udid %q does not match topic device %q", ErrInvalidAnnouncement, a.UDID, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()
	return d.Announce(ctx, id, a)
}

// Announce registers the announced device as present. Health and in-use
// state of an already known device are kept.
func (d *Discovery) Announce(ctx context.Context, id string, a Announcement) error {
	dev := &Device{
		ID:      id,
		Serial:  a.Serial,
		Host:    a.Host,
		Port:    a.Port,
		Model:   a.Model,
		Brand:   a.Brand,
		Version: a.Version,
		SDK:     a.SDK,
		Display: a.Display,
		Present: true,
		Ready:   a.Ready == nil || *a.Ready,
	}

	existing, err := d.registry.GetDevice(ctx, id)
	switch {
	case err == nil:
		dev.Using = existing.Using
		dev.HealthStatus = existing.HealthStatus
		dev.HealthLastSeen = existing.HealthLastSeen
	case !errors.Is(err, ErrDeviceNotFound):
		return err
	}

	if err := d.registry.RegisterDevice(ctx, dev); err != nil {
		return err
	}
	d.logger.Info("device announced", "id", id, "host", dev.Host, "model", dev.Model)
	return nil
}

func (d *Discovery) handleOffline(topic string, _ []byte) error {
	id, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %q", ErrInvalidAnnouncement, topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()
	return d.Withdraw(ctx, id)
}

// Withdraw marks a device absent and notifies the offline listeners.
// Listeners run even when the device is unknown to the registry.
func (d *Discovery) Withdraw(ctx context.Context, id string) error {
	err := d.registry.SetPresent(ctx, id, false)

	d.mu.Lock()
	listeners := append([]func(string){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(id)
	}

	if err != nil {
		return err
	}
	d.logger.Info("device offline", "id", id)
	return nil
}
