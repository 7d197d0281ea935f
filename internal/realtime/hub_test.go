package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlevault/internal/logging"
	"github.com/mbd888/settlevault/internal/notify"
)

func headerAuth(r *http.Request) (string, error) {
	if u := r.Header.Get("X-User"); u != "" {
		return u, nil
	}
	return "", errors.New("missing user")
}

func TestShouldSend_OnlyAddressedUser(t *testing.T) {
	h := NewHub(headerAuth, logging.Discard())
	client := &Client{userID: "seller_1"}

	assert.True(t, h.shouldSend(client, &notify.Notification{UserID: "seller_1", Type: notify.TypeBalanceChanged}))
	assert.False(t, h.shouldSend(client, &notify.Notification{UserID: "buyer_1", Type: notify.TypeBalanceChanged}))
}

func TestShouldSend_TypeFilter(t *testing.T) {
	h := NewHub(headerAuth, logging.Discard())
	client := &Client{userID: "u", sub: Subscription{Types: []notify.Type{notify.TypeHoldCreated}}}

	assert.True(t, h.shouldSend(client, &notify.Notification{UserID: "u", Type: notify.TypeHoldCreated}))
	assert.False(t, h.shouldSend(client, &notify.Notification{UserID: "u", Type: notify.TypeBalanceChanged}))
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(headerAuth, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User": []string{user}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connected clients", n)
}

func TestHub_DeliversToAddressedUserOnly(t *testing.T) {
	h, srv := startHub(t)
	seller := dial(t, srv, "seller_1")
	buyer := dial(t, srv, "buyer_1")
	waitForClients(t, h, 2)

	h.Notify(context.Background(), notify.New("seller_1", notify.TypeBalanceChanged, "Payment received", "8000 CDF", nil))

	_ = seller.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := seller.ReadMessage()
	require.NoError(t, err)

	var n notify.Notification
	require.NoError(t, json.Unmarshal(msg, &n))
	assert.Equal(t, "seller_1", n.UserID)
	assert.Equal(t, notify.TypeBalanceChanged, n.Type)

	_ = buyer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = buyer.ReadMessage()
	assert.Error(t, err, "buyer must not receive the seller's notification")
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	_, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_NotifyNeverBlocks(t *testing.T) {
	h := NewHub(headerAuth, logging.Discard()) // Run not started; queue fills up
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Notify(context.Background(), notify.New("u", notify.TypeHoldCreated, "t", "m", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked")
	}
	assert.Greater(t, h.Stats()["dropped"].(int64), int64(0))
}
