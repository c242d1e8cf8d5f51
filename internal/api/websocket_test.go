package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"positionbot/internal/events"
)

func TestNewWSHubInitializesState(t *testing.T) {
	hub := newWSHub(nil)
	if hub.clients == nil {
		t.Error("clients map not initialized")
	}
	if hub.outgoing == nil {
		t.Error("outgoing channel not initialized")
	}
	if hub.clientCount() != 0 {
		t.Errorf("expected 0 clients on a fresh hub, got %d", hub.clientCount())
	}
}

func TestCheckOriginAllowsAllWhenUnconfigured(t *testing.T) {
	hub := newWSHub(nil)
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.Header.Set("Origin", "https://anything.example")
	if !hub.checkOrigin(req) {
		t.Error("expected an unconfigured allowlist to accept every origin")
	}
}

func TestCheckOriginEnforcesAllowlist(t *testing.T) {
	hub := newWSHub([]string{"https://dashboard.example"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	allowed.Header.Set("Origin", "https://dashboard.example")
	if !hub.checkOrigin(allowed) {
		t.Error("expected the configured origin to be accepted")
	}

	rejected := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	rejected.Header.Set("Origin", "https://evil.example")
	if hub.checkOrigin(rejected) {
		t.Error("expected an origin outside the allowlist to be rejected")
	}
}

func TestHubBroadcastsToRegisteredClient(t *testing.T) {
	hub := newWSHub(nil)
	go hub.run()

	client := &wsClient{send: make(chan []byte, 1), hub: hub, closeChan: make(chan struct{})}
	hub.register(client)
	if hub.clientCount() != 1 {
		t.Fatalf("expected 1 registered client, got %d", hub.clientCount())
	}

	hub.broadcastEvent(events.Event{Type: events.EventPriceUpdate, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected a non-empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast to reach the registered client")
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	hub := newWSHub(nil)
	client := &wsClient{send: make(chan []byte, 1), hub: hub, closeChan: make(chan struct{})}
	hub.register(client)

	hub.unregister(client)
	if hub.clientCount() != 0 {
		t.Errorf("expected client removed after unregister, got count %d", hub.clientCount())
	}
	if _, ok := <-client.send; ok {
		t.Error("expected unregister to close the client's send channel")
	}
}

func TestBroadcastDropsClientWithFullSendBuffer(t *testing.T) {
	hub := newWSHub(nil)
	go hub.run()

	client := &wsClient{send: make(chan []byte), hub: hub, closeChan: make(chan struct{})} // unbuffered: first send always blocks
	hub.register(client)

	hub.broadcastEvent(events.Event{Type: events.EventPriceUpdate, Timestamp: time.Now()})

	deadline := time.After(time.Second)
	for {
		if hub.clientCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected the hub to drop a client whose send buffer is full")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
