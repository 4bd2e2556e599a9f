package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/lan-collab-server/internal/audio"
	"github.com/skypro1111/lan-collab-server/internal/config"
	"github.com/skypro1111/lan-collab-server/internal/control"
	"github.com/skypro1111/lan-collab-server/internal/events"
	"github.com/skypro1111/lan-collab-server/internal/filetransfer"
	"github.com/skypro1111/lan-collab-server/internal/metrics"
	"github.com/skypro1111/lan-collab-server/internal/protocol"
	"github.com/skypro1111/lan-collab-server/internal/relay"
	"github.com/skypro1111/lan-collab-server/internal/screenshare"
	"github.com/skypro1111/lan-collab-server/internal/session"
)

type testAPI struct {
	http       *HTTPServer
	ts         *httptest.Server
	components Components
	cfg        *config.Config
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	cfg := config.Default()

	store, err := filetransfer.NewStore(t.TempDir())
	require.NoError(t, err)

	registry := session.NewRegistry()
	videoTable := relay.NewTable()
	audioTable := relay.NewTable()
	bus := events.NewBus()

	format := audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16, ChunkMS: 20}
	audioRelay := relay.NewAudioServer("127.0.0.1:0", 65535, 16, format, audioTable, logger, m)
	require.NoError(t, audioRelay.Start())
	t.Cleanup(func() { audioRelay.Stop() })

	components := Components{
		Registry:     registry,
		Control:      control.NewServer(control.Config{Address: "127.0.0.1:0"}, registry, videoTable, audioTable, bus, logger, m),
		Video:        relay.NewVideoServer("127.0.0.1:0", 65535, 16, videoTable, logger, m),
		Audio:        audioRelay,
		ScreenShare:  screenshare.NewServer(screenshare.Config{Address: "127.0.0.1:0"}, bus, logger, m),
		FileTransfer: filetransfer.NewServer(filetransfer.Config{Address: "127.0.0.1:0"}, store, bus, logger, m),
		Bus:          bus,
		Gatherer:     reg,
	}

	h := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1", Port: 0, Enabled: true}, logger, cfg, components, m)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Stop(ctx)
	})

	return &testAPI{http: h, ts: ts, components: components, cfg: cfg}
}

func (a *testAPI) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(a.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestJSONEndpoints(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		path string
		keys []string
	}{
		{path: "/", keys: []string{"service", "endpoints"}},
		{path: "/health", keys: []string{"status", "components"}},
		{path: "/sessions", keys: []string{"total_sessions", "sessions"}},
		{path: "/relays", keys: []string{"video", "audio"}},
		{path: "/screenshare", keys: []string{"presenter_active", "viewers"}},
		{path: "/files", keys: []string{"total_files", "files"}},
		{path: "/config", keys: []string{"server", "audio", "file_transfer"}},
		{path: "/stats", keys: []string{"control", "video_relay", "events"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var body map[string]any
			resp := api.getJSON(t, tt.path, &body)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			for _, k := range tt.keys {
				assert.Contains(t, body, k)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)

	resp, err := http.Post(api.ts.URL+"/health", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUnknownPath(t *testing.T) {
	api := newTestAPI(t)
	resp := api.getJSON(t, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	api := newTestAPI(t)

	server, client := net.Pipe()
	defer client.Close()
	s := session.New(server, time.Second)
	s.Join("alice")
	s.AddBinding(relay.NameVideo, netip.MustParseAddrPort("10.0.0.2:6001"))
	api.components.Registry.Add(s)

	var list struct {
		Total    int            `json:"total_sessions"`
		Sessions []session.Info `json:"sessions"`
	}
	api.getJSON(t, "/sessions", &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "alice", list.Sessions[0].Username)
	assert.Equal(t, "JOINED", list.Sessions[0].State)

	var detail session.Info
	resp := api.getJSON(t, "/sessions/"+s.ID, &detail)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, s.ID, detail.ID)
	require.Len(t, detail.Bindings, 1)
	assert.Equal(t, "10.0.0.2:6001", detail.Bindings[0].Endpoint.String())

	resp = api.getJSON(t, "/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLastAudio(t *testing.T) {
	api := newTestAPI(t)

	resp := api.getJSON(t, "/audio/last.wav", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, err := net.Dial("udp", api.components.Audio.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	block := make([]byte, 640)
	for i := range block {
		block[i] = byte(i)
	}
	_, err = conn.Write(block)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, _, ok := api.components.Audio.Last()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	httpResp, err := http.Get(api.ts.URL + "/audio/last.wav")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	assert.Equal(t, "audio/wav", httpResp.Header.Get("Content-Type"))
	assert.Equal(t, "20ms", httpResp.Header.Get("X-Audio-Duration"))

	body, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	require.Len(t, body, audio.WAVHeaderSize+len(block))

	assert.Equal(t, "RIFF", string(body[0:4]))
	assert.Equal(t, "WAVE", string(body[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(body[24:28]))
	assert.Equal(t, block, body[audio.WAVHeaderSize:])
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.getJSON(t, "/health", nil)

	resp, err := http.Get(api.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "lan_http_requests_total")
}

func TestEventsFeed(t *testing.T) {
	api := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(api.ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	bus := api.components.Bus
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(control.EventSource, protocol.New(protocol.ChatBroadcast{Username: "alice", Text: "hi"}))
	bus.Publish(filetransfer.EventSource, protocol.New(protocol.FileAvailable{Filename: "a.txt", Size: 3}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first struct {
		Type    string                 `json:"type"`
		Source  string                 `json:"source"`
		Payload protocol.ChatBroadcast `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "CHAT_BROADCAST", first.Type)
	assert.Equal(t, "control", first.Source)
	assert.Equal(t, "alice", first.Payload.Username)

	var second struct {
		Type    string                 `json:"type"`
		Payload protocol.FileAvailable `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "FILE_AVAILABLE", second.Type)
	assert.Equal(t, int64(3), second.Payload.Size)

	conn.Close()
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopDisconnectsSubscribers(t *testing.T) {
	api := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(api.ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return api.components.Bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, api.http.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going-away close, got %v", err)
	assert.Equal(t, 0, api.components.Bus.Subscribers())
}
