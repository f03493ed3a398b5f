package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/payguard/internal/audit"
	"github.com/mbd888/payguard/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.NewTestLogger())
}

// ---------------------------------------------------------------------------
// subscription filter tests
// ---------------------------------------------------------------------------

func TestWants_EmptySubscription(t *testing.T) {
	client := &Client{}

	event := audit.Event{Name: "pin_success", Level: audit.LevelInfo}
	if !client.wants(event) {
		t.Error("empty subscription should receive all events")
	}
}

func TestWants_MinLevelFilter(t *testing.T) {
	client := &Client{sub: Subscription{MinLevel: audit.LevelWarning}}

	if client.wants(audit.Event{Name: "pin_success", Level: audit.LevelInfo}) {
		t.Error("info event should be filtered below warning threshold")
	}
	if !client.wants(audit.Event{Name: "pin_mismatch", Level: audit.LevelWarning}) {
		t.Error("warning event should pass warning threshold")
	}
	if !client.wants(audit.Event{Name: "emergency_lockdown", Level: audit.LevelError}) {
		t.Error("error event should pass warning threshold")
	}
}

func TestWants_NameFilter(t *testing.T) {
	client := &Client{sub: Subscription{Names: []string{"fraud_indicators", "emergency_lockdown"}}}

	if !client.wants(audit.Event{Name: "fraud_indicators", Level: audit.LevelWarning}) {
		t.Error("listed name should pass")
	}
	if client.wants(audit.Event{Name: "pin_success", Level: audit.LevelInfo}) {
		t.Error("unlisted name should be filtered")
	}
}

func TestWants_CombinedFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		MinLevel: audit.LevelWarning,
		Names:    []string{"security_check"},
	}}

	// Name matches but level is too low.
	if client.wants(audit.Event{Name: "security_check", Level: audit.LevelInfo}) {
		t.Error("both filters must pass")
	}
	if !client.wants(audit.Event{Name: "security_check", Level: audit.LevelWarning}) {
		t.Error("matching name at sufficient level should pass")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_ConsumeAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Consume(audit.Event{Name: "pin_success", Level: audit.LevelInfo, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Consume(audit.Event{
		Name:      "fraud_indicators",
		Level:     audit.LevelWarning,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"channel": "fraud"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants warnings and above.
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{MinLevel: audit.LevelWarning},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Info event should be filtered out.
	h.Consume(audit.Event{Name: "pin_success", Level: audit.LevelInfo, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive info event")
	default:
		// Good - filtered out
	}

	// Warning event should be received.
	h.Consume(audit.Event{Name: "pin_mismatch", Level: audit.LevelWarning, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive warning event")
	}
}
