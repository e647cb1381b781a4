package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dougsko/sqandr/pkg/monitor"
	"github.com/dougsko/sqandr/pkg/protocol"
	"github.com/dougsko/sqandr/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *http.Request) {
	t.Helper()
	var last http.Request

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.LinkStatus{Session: "abc", Cycles: 42, Locked: true})
	})
	mux.HandleFunc("/api/v1/frames", func(w http.ResponseWriter, r *http.Request) {
		last = *r
		frames := []protocol.Frame{
			protocol.NewFrame("abc", protocol.DirectionRX, []byte{0x66, 0x99, 0x0a}),
			protocol.NewFrame("abc", protocol.DirectionTX, []byte{0x01}),
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"frames": frames, "count": len(frames)})
	})
	mux.HandleFunc("/api/v1/frames/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(storage.FrameStats{TotalFrames: 9, TotalRX: 5, TotalTX: 4})
	})
	mux.HandleFunc("/api/v1/signal", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"levels": monitor.SignalLevels{Peak: 30000, RMSLevel: -3.5},
		})
	})
	mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestAPIClient(t *testing.T) {
	srv, last := newTestServer(t)
	c := NewAPIClient(srv.URL + "/")

	t.Run("Status", func(t *testing.T) {
		status, err := c.GetStatus()
		require.NoError(t, err)
		assert.Equal(t, "abc", status.Session)
		assert.EqualValues(t, 42, status.Cycles)
		assert.True(t, status.Locked)
	})

	t.Run("Frames", func(t *testing.T) {
		frames, err := c.GetFrames(10, "rx")
		require.NoError(t, err)
		require.Len(t, frames, 2)
		assert.Equal(t, []byte{0x66, 0x99, 0x0a}, frames[0].Data)
		assert.Equal(t, protocol.DirectionTX, frames[1].Direction)
		assert.Equal(t, "10", last.URL.Query().Get("limit"))
		assert.Equal(t, "rx", last.URL.Query().Get("direction"))
	})

	t.Run("Frame Stats", func(t *testing.T) {
		stats, err := c.GetFrameStats()
		require.NoError(t, err)
		assert.Equal(t, 9, stats.TotalFrames)
	})

	t.Run("Signal", func(t *testing.T) {
		levels, err := c.GetSignal()
		require.NoError(t, err)
		assert.Equal(t, int16(30000), levels.Peak)
		assert.Equal(t, -3.5, levels.RMSLevel)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, c.Ping())
		assert.True(t, c.IsConnected())
	})
}

func TestAPIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/frames":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"frame storage is disabled"}`))
		case "/api/v1/status":
			w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL)

	_, err := c.GetFrames(0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame storage is disabled")

	_, err = c.GetStatus()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")

	err = c.Ping()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	down := NewAPIClient("http://127.0.0.1:1")
	down.SetTimeout(500 * time.Millisecond)
	assert.False(t, down.IsConnected())
}
