package mockbackend

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jpalmerr/linepulse/internal/line"
)

func newTestBackend(t *testing.T) (*Backend, *httptest.Server) {
	t.Helper()
	b := New(3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, srv
}

func getJSON(t *testing.T, url string) gjson.Result {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(body), string(body))
	return gjson.ParseBytes(body)
}

func TestWira_AllLines(t *testing.T) {
	b, srv := newTestBackend(t)
	b.mu.Lock()
	b.lines[1].counters[line.Good] = 7
	b.mu.Unlock()

	env := getJSON(t, srv.URL+"/wira")
	assert.True(t, env.Get("success").Bool())
	data := env.Get("data").Array()
	require.Len(t, data, 3)

	var records []line.Record
	for _, v := range data {
		records = append(records, line.RecordFromJSON(v))
	}
	assert.Equal(t, int64(7), line.Aggregate(records, "LINE 2", "").Good)
}

func TestMonitoring_MatchesLine(t *testing.T) {
	_, srv := newTestBackend(t)

	env := getJSON(t, srv.URL+"/monitoring/line?line=3")
	data := env.Get("data").Array()
	require.Len(t, data, 1)
	assert.Equal(t, "3", data[0].Get("line").String())
	assert.Equal(t, "185232", data[0].Get("WO").String())
}

func TestTracking_FiltersByLine(t *testing.T) {
	b, srv := newTestBackend(t)
	b.mu.Lock()
	b.tracking = append(b.tracking,
		trackingItem{RFID: "a", Line: "1", Stage: "QC", LastStatus: "REWORK"},
		trackingItem{RFID: "b", Line: "2", Stage: "PQC", LastStatus: "PQC_REWORK"},
	)
	b.mu.Unlock()

	env := getJSON(t, srv.URL+"/tracking/rfid_garment?line=2")
	data := env.Get("data").Array()
	require.Len(t, data, 1)
	assert.Equal(t, "b", data[0].Get("rfid_garment").String())
}

func TestDetail_FiltersByLineAndStatus(t *testing.T) {
	b, srv := newTestBackend(t)
	b.mu.Lock()
	b.tracking = append(b.tracking,
		trackingItem{RFID: "a", Line: "2", Stage: "QC", LastStatus: "REWORK"},
		trackingItem{RFID: "b", Line: "2", Stage: "PQC", LastStatus: "PQC_REWORK"},
		trackingItem{RFID: "c", Line: "1", Stage: "QC", LastStatus: "REWORK"},
	)
	b.mu.Unlock()

	env := getJSON(t, srv.URL+"/wira/detail?line=2&status=rework")
	assert.Equal(t, "success", env.Get("status").String())
	data := env.Get("data").Array()
	require.Len(t, data, 1)
	assert.Equal(t, "a", data[0].Get("rfid_garment").String())
}

func TestStep_CountersOnlyGrow(t *testing.T) {
	b, _ := newTestBackend(t)

	var prev []line.Counters
	for i := 0; i < 50; i++ {
		b.step()
		b.mu.Lock()
		recs := b.records()
		b.mu.Unlock()
		for j, r := range recs {
			c := r.Counters()
			if prev != nil {
				p := prev[j]
				for _, f := range line.Fields {
					require.GreaterOrEqual(t, c.Get(f), p.Get(f), "line %d field %s", j+1, f)
				}
			}
			if len(prev) < len(recs) {
				prev = append(prev, c)
			} else {
				prev[j] = c
			}
		}
	}
}

func TestWebSocket_Broadcast(t *testing.T) {
	b, srv := newTestBackend(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/wira-dashboard"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// wait for the server to register the client
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.clients) == 1
	}, time.Second, 10*time.Millisecond)

	b.broadcast()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Len(t, gjson.GetBytes(msg, "data").Array(), 3)
}

func TestRun_StopsOnCancel(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
