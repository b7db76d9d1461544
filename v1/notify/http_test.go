package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitSubscribers(t *testing.T, bus *InMemoryBus, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.Subscribers() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers, got %d", n, bus.Subscribers())
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?productId=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitSubscribers(t, bus, 1)

	other := mustEvent(t, KindReserved, 4)
	other.ProductID = "2"
	ev := mustEvent(t, KindReserved, 9)
	for _, e := range []Event{other, ev} {
		if err := bus.Publish(context.Background(), e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if got.ID != ev.ID {
		t.Fatalf("expected event %s, got %+v", ev.ID, got)
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribers(t, bus, 1)

	ev := mustEvent(t, KindSoldOut, 0)
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != ev.ID || got.Kind != KindSoldOut {
		t.Fatalf("unexpected event %+v", got)
	}

	conn.Close()
	waitSubscribers(t, bus, 0)
}

func TestWebSocketHandlerRejectsPlainHTTP(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if bus.Subscribers() != 0 {
		t.Fatal("failed upgrade left a subscription")
	}
}
