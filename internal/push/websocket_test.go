package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusURL(t *testing.T) {
	got, err := StatusURL("https://api.example.com/v1/?x=1")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/v1/ws/status", got)

	got, err = StatusURL("http://localhost:8000")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/status", got)

	_, err = StatusURL("not a url")
	assert.Error(t, err)
}

func TestManagerOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != StatusPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"initial_status","tasks":[{"task_id":"T1","status":"processing","progress":40}],"queue_stats":{"total":1}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_update","task_id":"T1","status":"completed","progress":100}`))
		<-release
	}))
	defer srv.Close()
	defer close(release)

	url, err := StatusURL(srv.URL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "ws://"))

	m := NewManager(WebsocketDialer{URL: url, HandshakeTimeout: time.Second})
	defer m.Close()
	rec := &recorder{}
	m.Subscribe(rec.fn)
	m.Connect()

	require.Eventually(t, func() bool { return rec.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "completed", string(tasks[0].Status))
	assert.Equal(t, StateConnected, m.State())

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestWebsocketDialerFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	url, err := StatusURL(srv.URL)
	require.NoError(t, err)

	_, err = WebsocketDialer{URL: url}.Dial(context.Background())
	assert.Error(t, err)

	_, err = WebsocketDialer{}.Dial(context.Background())
	assert.Error(t, err)
}
