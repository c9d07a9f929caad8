package settle

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsClientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if wsClientCount(h) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d clients, have %d", n, wsClientCount(h))
}

func TestHubDropsDeadConnectionsDuringBroadcast(t *testing.T) {
	h := NewWSHub()
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alive, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer alive.Close()

	doomed, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	waitForClients(t, h, 2)

	doomed.Close()

	// Keep broadcasting until the dead connection is swept; the healthy
	// client must keep receiving throughout.
	for i := 0; i < 10 && wsClientCount(h) > 1; i++ {
		h.Broadcast(WSMessage{Type: "deposit", MarketID: "m1", UserAddress: "alice", Amount: "1"})
		time.Sleep(20 * time.Millisecond)
	}
	waitForClients(t, h, 1)

	h.Broadcast(WSMessage{Type: "borrow", MarketID: "m1", UserAddress: "alice", Amount: "2"})

	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := alive.ReadMessage()
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "m1", msg.MarketID)
}
