package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

func TestShouldSend_Filters(t *testing.T) {
	hub := NewHub(slog.Default())

	event := &Event{
		Type:      "escrow.released",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"jobId":          "job_1",
			"clientId":       "usr_client",
			"professionalId": "usr_pro",
			"amount":         int64(60000),
		},
	}

	cases := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, true},
		{"matching type", Subscription{EventTypes: []string{"escrow.released"}}, true},
		{"other type", Subscription{EventTypes: []string{"escrow.captured"}}, false},
		{"matching job", Subscription{JobIDs: []string{"job_1"}}, true},
		{"other job", Subscription{JobIDs: []string{"job_2"}}, false},
		{"matching participant", Subscription{UserIDs: []string{"usr_pro"}}, true},
		{"other participant", Subscription{UserIDs: []string{"usr_x"}}, false},
		{"amount at threshold", Subscription{MinAmount: 60000}, true},
		{"amount below threshold", Subscription{MinAmount: 60001}, false},
		{"type and job both match", Subscription{EventTypes: []string{"escrow.released"}, JobIDs: []string{"job_1"}}, true},
		{"type matches but job does not", Subscription{EventTypes: []string{"escrow.released"}, JobIDs: []string{"job_2"}}, false},
	}

	for _, tc := range cases {
		client := &Client{sub: tc.sub}
		if got := hub.shouldSend(client, event); got != tc.want {
			t.Errorf("%s: shouldSend = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if hub.Stats()["connectedClients"].(int) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Notify(context.Background(), "usr_pro", "escrow.released", map[string]interface{}{
		"accountId": "esc_1",
		"jobId":     "job_1",
		"amount":    int64(60000),
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Type != "escrow.released" {
		t.Errorf("expected escrow.released, got %s", got.Type)
	}
	if got.Data["userId"] != "usr_pro" {
		t.Errorf("expected userId usr_pro, got %v", got.Data["userId"])
	}
}

func TestHub_SubscriptionUpdateFiltersEvents(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Stats()["connectedClients"].(int) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Narrow the subscription to dispute events only.
	sub := Subscription{EventTypes: []string{"escrow.disputed"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscription update failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	hub.Notify(context.Background(), "usr_client", "escrow.captured", map[string]interface{}{"accountId": "esc_1"})
	hub.Notify(context.Background(), "usr_client", "escrow.disputed", map[string]interface{}{"accountId": "esc_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Type != "escrow.disputed" {
		t.Errorf("expected only escrow.disputed to pass the filter, got %s", got.Type)
	}
}
