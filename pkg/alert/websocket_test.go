package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// dialServerConns returns n server-side websocket connections backed by
// real client dials, so writes behave like production traffic.
func dialServerConns(t *testing.T, n int) []*websocket.Conn {
	t.Helper()

	conns := make(chan *websocket.Conn, n)
	upgr := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	out := make([]*websocket.Conn, 0, n)
	for i := 0; i < n; i++ {
		client, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		out = append(out, <-conns)
	}
	return out
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
}

func TestHub_BroadcastSurvivesMassDisconnect(t *testing.T) {
	hub := NewHub("websocket", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// More failing connections than the unregister queue holds.
	conns := dialServerConns(t, wsChannelBuffer+4)
	for _, conn := range conns {
		hub.register <- conn
	}
	waitForClients(t, hub, len(conns))

	// Closing the server side makes every broadcast write fail at once.
	for _, conn := range conns {
		conn.Close()
	}
	ev := Event{Type: EventFiring, Alert: Alert{Metric: "cpu"}, At: time.Now()}
	if err := hub.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitForClients(t, hub, 0)

	// The hub must still service new clients after the purge.
	fresh := dialServerConns(t, 1)
	hub.register <- fresh[0]
	waitForClients(t, hub, 1)
}
