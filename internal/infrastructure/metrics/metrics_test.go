package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRelayMetrics(t *testing.T) {
	reg, m := New()

	m.InboundMessages.WithLabelValues("device").Inc()
	m.InboundMessages.WithLabelValues("device").Inc()
	m.InboundMessages.WithLabelValues("control").Inc()
	m.ResponseTimeouts.WithLabelValues("HMA-1").Inc()
	m.DevicesRegistered.Set(2)

	if got := testutil.ToFloat64(m.InboundMessages.WithLabelValues("device")); got != 2 {
		t.Errorf("inbound device = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DevicesRegistered); got != 2 {
		t.Errorf("devices registered = %v, want 2", got)
	}

	count, err := testutil.GatherAndCount(reg, "hamerelay_inbound_messages_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("inbound series = %d, want 2", count)
	}
}

func TestHandler(t *testing.T) {
	reg, m := New()
	m.Polls.Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{"hamerelay_polls_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
