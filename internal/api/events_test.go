package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/pkg/proto"
)

func TestEventsWebSocket(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?token=" + token(t, "u1")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return env.events.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Another user's activity is not delivered.
	env.uploadFile(t, "u2", "theirs", []byte("xyz"), 10)
	env.uploadFile(t, "u1", "mine", []byte("abcdef"), 3)

	var got []events.Event
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < 3 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev events.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		got = append(got, ev)
	}

	assert.Equal(t, events.ChunkStored, got[0].Type)
	assert.Equal(t, "mine", got[0].Name)
	assert.Equal(t, events.ChunkStored, got[1].Type)
	assert.Equal(t, events.FileCompleted, got[2].Type)
	for _, ev := range got {
		assert.Equal(t, "u1", ev.UserID)
	}
}

func TestEventsRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body proto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusUnauthorized, body.Code)
}

func TestEventsUnsubscribeOnClose(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?token=" + token(t, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.events.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	assert.Eventually(t, func() bool { return env.events.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}
