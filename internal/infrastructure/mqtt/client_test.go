package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/config"
)

// testConfig returns a configuration for a local Mosquitto broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "cloudcontrol-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker or skips the test.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("no MQTT broker on 127.0.0.1:1883")
	}
	conn.Close()

	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// =============================================================================
// Offline tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got, want string
	}{
		{topics.DeviceAnnounce("dev-1"), "cloudcontrol/device/dev-1/announce"},
		{topics.DeviceOffline("dev-1"), "cloudcontrol/device/dev-1/offline"},
		{topics.AllDeviceAnnouncements(), "cloudcontrol/device/+/announce"},
		{topics.AllDeviceOffline(), "cloudcontrol/device/+/offline"},
		{topics.SystemStatus(), "cloudcontrol/system/status"},
		{topics.SystemSession(), "cloudcontrol/system/session"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"cloudcontrol/device/emulator-5554-sdk/announce", "emulator-5554-sdk", true},
		{"cloudcontrol/device/abc/offline", "abc", true},
		{"cloudcontrol/device//offline", "", false},
		{"cloudcontrol/system/status", "", false},
		{"other/device/abc/announce", "", false},
		{"cloudcontrol/device/abc/announce/extra", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := DeviceIDFromTopic(tt.topic)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("DeviceIDFromTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestStatusPayload(t *testing.T) {
	b, err := statusPayload("core-1", "offline", "graceful_shutdown")
	if err != nil {
		t.Fatalf("statusPayload() error = %v", err)
	}
	var msg statusMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg.Status != "offline" || msg.ClientID != "core-1" || msg.Reason != "graceful_shutdown" {
		t.Errorf("payload = %+v", msg)
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339", msg.Timestamp)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "core"
	cfg.Auth.Password = "secret"

	opts := clientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.Username != "core" || opts.Password != "secret" {
		t.Errorf("credentials not applied")
	}
	if !opts.WillEnabled || opts.WillTopic != "cloudcontrol/system/status" || !opts.WillRetained {
		t.Errorf("last will not configured: enabled=%v topic=%q", opts.WillEnabled, opts.WillTopic)
	}
	if opts.TLSConfig == nil {
		t.Error("TLS config not set")
	}
}

func TestDisconnectedClientValidatesFirst(t *testing.T) {
	c := &Client{subs: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 0, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("t", nil, 3, false), ErrInvalidQoS},
		{"publish oversized", c.Publish("t", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("t", nil, 0, false), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 0, noop), ErrInvalidTopic},
		{"subscribe nil handler", c.Subscribe("t", 0, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("t", 0, noop), ErrNotConnected},
		{"unsubscribe disconnected", c.Unsubscribe("t"), ErrNotConnected},
		{"health", c.HealthCheck(context.Background()), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Error("failed subscriptions must not be tracked")
	}
	if err := (*Client)(nil).Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1 // nothing listens here

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := Connect(ctx, cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// =============================================================================
// Broker tests
// =============================================================================

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectOrSkip(t, "cloudcontrol-test-roundtrip")

	received := make(chan string, 1)
	pattern := Topics{}.AllDeviceAnnouncements()
	err := client.Subscribe(pattern, 1, func(topic string, _ []byte) error {
		id, _ := DeviceIDFromTopic(topic)
		select {
		case received <- id:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}

	if err := client.Publish(Topics{}.DeviceAnnounce("roundtrip-dev"), []byte(`{}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case id := <-received:
		if id != "roundtrip-dev" {
			t.Errorf("received id = %q, want roundtrip-dev", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe(pattern); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	client := connectOrSkip(t, "cloudcontrol-test-panic")

	done := make(chan struct{}, 2)
	topic := "cloudcontrol/test/panic"
	err := client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		done <- struct{}{}
		if string(payload) == "boom" {
			panic("handler bug")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = client.Publish(topic, []byte("boom"), 1, false)
	_ = client.Publish(topic, []byte("fine"), 1, false)

	for i := range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not delivered after panic", i)
		}
	}
}
