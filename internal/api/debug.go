// Package api exposes the aggregator's internal state over the tsweb debug
// pages. These routes are reachable only from localhost or over Tailscale.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mocap-obstacles/internal/bus"
	"github.com/banshee-data/mocap-obstacles/internal/geom"
	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
)

// PoseSource returns the current pose cache contents.
type PoseSource interface {
	Poses() map[string]geom.PoseSample
}

// SnapshotSource returns the most recently published snapshot, or nil.
type SnapshotSource interface {
	Latest() *snapshot.Snapshot
}

// Subscriber is the bus side of the tail route.
type Subscriber interface {
	Subscribe(topic string, buffer int) (string, <-chan bus.Message)
	Unsubscribe(id string)
}

// Server holds the sources behind the debug routes.
type Server struct {
	poses     PoseSource
	snapshots SnapshotSource
	bus       Subscriber

	statsMu sync.RWMutex
	stats   map[string]func() any
}

// NewServer creates a Server. A nil Subscriber disables the tail route.
func NewServer(poses PoseSource, snapshots SnapshotSource, sub Subscriber) *Server {
	return &Server{
		poses:     poses,
		snapshots: snapshots,
		bus:       sub,
		stats:     make(map[string]func() any),
	}
}

// AddStats registers a named stats provider shown by the stats route.
func (s *Server) AddStats(name string, fn func() any) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats[name] = fn
}

// AttachAdminRoutes attaches the debug endpoints under /debug/ and the
// health check at /healthz.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("poses", "Latest pose sample per entity", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.poses.Poses())
	})
	debug.HandleFunc("snapshot", "Most recently published snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap := s.snapshots.Latest()
		if snap == nil {
			http.Error(w, "no snapshot published yet", http.StatusNotFound)
			return
		}
		writeJSON(w, snap)
	})
	debug.HandleFunc("stats", "Publication loop, bus, listener and stream counters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.collectStats())
	})
	if s.bus != nil {
		debug.HandleSilentFunc("tail", s.handleTail)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.snapshots.Latest() == nil {
			http.Error(w, "waiting for first snapshot", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
}

func (s *Server) collectStats() map[string]any {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	out := make(map[string]any, len(s.stats))
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out[name] = s.stats[name]()
	}
	return out
}

// handleTail streams bus messages on ?topic= as server-sent events.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = snapshot.TopicObjects
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.bus.Subscribe(topic, 8)
	defer s.bus.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case msg, ok := <-c:
			if !ok {
				return
			}
			data, err := encodePayload(msg.Payload)
			if err != nil {
				data = []byte(fmt.Sprintf("%q", err.Error()))
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func encodePayload(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode: %v", err), http.StatusInternalServerError)
	}
}
