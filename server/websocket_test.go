package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventHub_BroadcastReachesClient(t *testing.T) {
	store := SetupTestServer(t)
	admin := NewTestAdmin(t, store)

	srv := httptest.NewServer(WrapWithUser(handleEventSocket, admin))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the hub to register the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for eventsHub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	eventsHub.Broadcast("printer_update", map[string]interface{}{
		"printer_id": int64(7),
		"status":     "printing",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "printer_update" {
		t.Errorf("event type = %q, want printer_update", ev.Type)
	}
	if ev.Data["status"] != "printing" {
		t.Errorf("event data = %v", ev.Data)
	}
}

func TestHandleEventSocket_RequiresSession(t *testing.T) {
	SetupTestServer(t)

	srv := httptest.NewServer(withSession(handleEventSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("anonymous dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %v", resp)
	}
}

func TestEventHub_SlowClientIsDropped(t *testing.T) {
	SetupTestServer(t)

	// A registered client that never drains its send channel gets evicted
	// instead of stalling the broadcast loop.
	client := &eventClient{send: make(chan []byte, 1)}
	eventsHub.register <- client

	deadline := time.Now().Add(2 * time.Second)
	for eventsHub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		eventsHub.Broadcast("command_queued", map[string]interface{}{"n": i})
	}

	deadline = time.Now().Add(2 * time.Second)
	for eventsHub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
