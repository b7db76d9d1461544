package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Subscriber hands out event streams that end when ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, buffer int) <-chan Event
}

const streamBuffer = 16

// matches reports whether ev belongs to the product named by the optional
// "productId" query parameter.
func matches(r *http.Request, ev Event) bool {
	id := r.URL.Query().Get("productId")
	return id == "" || id == ev.ProductID
}

// SSEHandler streams reservation events over Server-Sent Events, one JSON
// event per message. An optional "productId" query parameter narrows the
// stream to one product.
func SSEHandler(bus Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch := bus.Subscribe(ctx, streamBuffer)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !matches(r, ev) {
					continue
				}
				data, err := ev.encode()
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams reservation events over WebSocket as JSON text
// messages. The subscription is dropped as soon as the client goes away.
func WebSocketHandler(bus Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch := bus.Subscribe(ctx, streamBuffer)

		// a hijacked connection does not cancel the request context, so
		// reading is how a close from the client is noticed
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !matches(r, ev) {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
