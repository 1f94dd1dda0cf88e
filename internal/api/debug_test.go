package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mocap-obstacles/internal/bus"
	"github.com/banshee-data/mocap-obstacles/internal/geom"
	"github.com/banshee-data/mocap-obstacles/internal/registry"
	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
)

type fakeSources struct {
	poses map[string]geom.PoseSample
	snap  *snapshot.Snapshot
}

func (f *fakeSources) Poses() map[string]geom.PoseSample { return f.poses }
func (f *fakeSources) Latest() *snapshot.Snapshot        { return f.snap }

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newMux(t *testing.T, src *fakeSources, sub Subscriber) (*http.ServeMux, *Server) {
	t.Helper()
	s := NewServer(src, src, sub)
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)
	return mux, s
}

func TestHealthz(t *testing.T) {
	src := &fakeSources{}
	mux, _ := newMux(t, src, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/healthz"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	src.snap = &snapshot.Snapshot{Seq: 1}
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/healthz"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPosesRoute(t *testing.T) {
	src := &fakeSources{poses: map[string]geom.PoseSample{
		"table": {Pose: geom.Pose{Orientation: geom.IdentityQuaternion()}, FrameID: "world"},
	}}
	mux, _ := newMux(t, src, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/poses"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "world", got["table"]["frame_id"])
}

func TestSnapshotRoute(t *testing.T) {
	src := &fakeSources{}
	mux, _ := newMux(t, src, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/snapshot"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	rec := snapshot.ObjectRecord{ID: 0, Name: "A", Category: registry.Static, Shape: registry.SphereShape(0.2)}
	src.snap = &snapshot.Snapshot{Seq: 9, FrameID: "world", All: []snapshot.ObjectRecord{rec},
		Static: []snapshot.ObjectRecord{rec}, Dynamic: []snapshot.ObjectRecord{}}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/snapshot"))
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Seq     uint64 `json:"seq"`
		Objects []struct {
			Name  string `json:"name"`
			Shape struct {
				Type       string    `json:"type"`
				Dimensions []float64 `json:"dimensions"`
			} `json:"shape"`
		} `json:"objects"`
		Dynamic []any `json:"dynamic_objects"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, uint64(9), got.Seq)
	require.Len(t, got.Objects, 1)
	assert.Equal(t, "sphere", got.Objects[0].Shape.Type)
	assert.Equal(t, []float64{0.2}, got.Objects[0].Shape.Dimensions)
	assert.NotNil(t, got.Dynamic)
}

func TestStatsRoute(t *testing.T) {
	mux, s := newMux(t, &fakeSources{}, nil)
	s.AddStats("loop", func() any { return map[string]int{"ticks": 3} })
	s.AddStats("bus", func() any { return map[string]int{"dropped": 1} })

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/stats"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"bus":{"dropped":1},"loop":{"ticks":3}}`, w.Body.String())
}

func TestDebugRoutes_RejectRemote(t *testing.T) {
	mux, _ := newMux(t, &fakeSources{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/stats", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTailRoute(t *testing.T) {
	b := bus.New()
	defer b.Close()
	mux, _ := newMux(t, &fakeSources{}, b)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tail?topic=static_objects")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.Subscribers("static_objects") == 1 },
		2*time.Second, 5*time.Millisecond)

	payload := &structpb.Struct{Fields: map[string]*structpb.Value{"topic": structpb.NewStringValue("static_objects")}}
	require.NoError(t, b.Publish("static_objects", payload))

	r := bufio.NewReader(resp.Body)
	line := readDataLine(t, r)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "static_objects", got["topic"])
}

func readDataLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			t.Fatal("stream ended before data line")
		}
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestEncodePayload(t *testing.T) {
	t.Parallel()

	data, err := encodePayload(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	data, err = encodePayload(&structpb.Struct{Fields: map[string]*structpb.Value{"b": structpb.NewBoolValue(true)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":true}`, string(data))
}
