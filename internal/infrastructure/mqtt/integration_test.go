//go:build integration

package mqtt

import (
	"errors"
	"testing"
	"time"
)

// These tests need a broker on 127.0.0.1:1883:
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func connectAs(t *testing.T, clientID string) *Client {
	t.Helper()

	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

// await returns the next payload on ch or fails after two seconds.
func await(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("%s not received", what)
		return ""
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_RelayStatusAnnounced(t *testing.T) {
	relay := connectAs(t, "hamerelay-int-status")
	observer := connectAs(t, "hamerelay-int-observer")

	status := make(chan string, 4)
	err := observer.Subscribe(RelayStatusTopic("hamerelay-int-status"), 1, func(_ string, payload []byte) error {
		status <- string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if got := await(t, status, "retained status"); got != PayloadOnline {
		t.Errorf("status = %q, want %q", got, PayloadOnline)
	}

	if err := relay.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if relay.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if got := await(t, status, "offline status"); got != PayloadOffline {
		t.Errorf("status after Close = %q, want %q", got, PayloadOffline)
	}
}

func TestIntegration_DeviceTelemetryRoundtrip(t *testing.T) {
	relay := connectAs(t, "hamerelay-int-roundtrip")

	const filter = "hame_energy/+/device/+/ctrl"
	received := make(chan string, 1)
	err := relay.Subscribe(filter, 1, func(topic string, payload []byte) error {
		received <- topic + " " + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !relay.HasSubscription(filter) {
		t.Error("filter not remembered")
	}

	if err := relay.PublishString("hame_energy/HMA-1/device/INTTEST/ctrl", "pe=55,kn=300", 1, false); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}
	if got, want := await(t, received, "device message"), "hame_energy/HMA-1/device/INTTEST/ctrl pe=55,kn=300"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := relay.Unsubscribe(filter); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if n := relay.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", n)
	}
}
