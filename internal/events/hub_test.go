package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

func TestHub_RecentKeepsLatest(t *testing.T) {
	h := NewHub(2)
	h.Publish(model.Event{Type: model.EventFundCredited, Amount: "1"})
	h.Publish(model.Event{Type: model.EventFundCredited, Amount: "2"})
	h.Publish(model.Event{Type: model.EventFundCredited, Amount: "3"})

	recent := h.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].Amount)
	assert.Equal(t, "3", recent[1].Amount)
	assert.False(t, recent[1].Timestamp.IsZero())
}

func TestHub_BroadcastsToReleaseSubscribers(t *testing.T) {
	h := NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?release=r1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; publish until the subscriber sees it.
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	done := make(chan model.Event, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt model.Event
		if json.Unmarshal(data, &evt) == nil {
			done <- evt
		}
	}()

	for time.Now().Before(deadline) {
		h.Publish(model.Event{Type: model.EventFundCredited, ReleaseID: "other"})
		h.Publish(model.Event{Type: model.EventFundsClaimed, ReleaseID: "r1"})
		select {
		case evt := <-done:
			assert.Equal(t, model.EventFundsClaimed, evt.Type)
			assert.Equal(t, model.ReleaseID("r1"), evt.ReleaseID)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("no event received")
}

func TestHub_PingsAlongsideBroadcasts(t *testing.T) {
	h := NewHub(16)
	h.pingEvery = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var pings, messages atomic.Int64
	conn.SetPingHandler(func(data string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			messages.Add(1)
		}
	}()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.Publish(model.Event{Type: model.EventFundCredited, ReleaseID: "r1"})
		time.Sleep(time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return pings.Load() > 0 && messages.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_HandleWSAfterStopReturns(t *testing.T) {
	h := NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	returned := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWS(w, r)
		returned <- struct{}{}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleWS blocked after the hub stopped")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_StopClosesClients(t *testing.T) {
	h := NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.clients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func httptestHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWS)
}
