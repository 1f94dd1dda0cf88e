// Package stream serves published snapshots to gRPC clients. Each client
// picks one of the three object topics; slow clients lose frames instead of
// holding up the publication loop.
package stream

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
)

// Config holds configuration for the stream server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client frame queue depth
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: 10,
	}
}

// Publisher manages the gRPC server and snapshot fan-out.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan *snapshot.Snapshot
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	// Stats
	frameCount     atomic.Uint64
	clientCount    atomic.Int32
	droppedFrames  atomic.Uint64
	lastStatsTime  time.Time
	lastFrameCount uint64
	lastStatsMu    sync.Mutex

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	topic   string
	frameCh chan *snapshot.Snapshot
}

// NewPublisher creates a Publisher. Zero config fields take DefaultConfig
// values.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *snapshot.Snapshot, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Serve serves on lis in the background. The publisher owns lis afterwards.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterObjectServiceServer(p.server, &Server{publisher: p})

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Stream] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Stream] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	monitoring.Logf("[Stream] gRPC server stopped")
}

// PublishSnapshot queues snap for every connected client. It never blocks.
func (p *Publisher) PublishSnapshot(snap *snapshot.Snapshot) error {
	if !p.running.Load() || snap == nil {
		return nil
	}
	select {
	case p.frameChan <- snap:
		count := p.frameCount.Add(1)
		p.logPeriodicStats(count, len(p.frameChan))
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.Logf("[Stream] DROPPED snapshot %d (total dropped: %d), channel full", snap.Seq, dropped)
	}
	return nil
}

// logPeriodicStats logs throughput every 5 seconds.
func (p *Publisher) logPeriodicStats(frameCount uint64, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
		return
	}
	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= 5*time.Second {
		frames := frameCount - p.lastFrameCount
		monitoring.Logf("[Stream] Stats: rate=%.1f/s frames=%d dropped=%d clients=%d queue=%d/%d",
			float64(frames)/elapsed.Seconds(), frames, p.droppedFrames.Load(), p.clientCount.Load(),
			queueDepth, cap(p.frameChan))
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
	}
}

// broadcastLoop distributes snapshots to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case snap := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- snap:
				default:
					// Slow client.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a client, or returns nil when MaxClients is reached.
func (p *Publisher) addClient(topic string) *clientStream {
	client := &clientStream{
		id:      uuid.NewString(),
		topic:   topic,
		frameCh: make(chan *snapshot.Snapshot, p.config.ClientBuffer),
	}

	p.clientsMu.Lock()
	if len(p.clients) >= p.config.MaxClients {
		p.clientsMu.Unlock()
		return nil
	}
	p.clients[client.id] = client
	p.clientsMu.Unlock()

	n := p.clientCount.Add(1)
	monitoring.Logf("[Stream] Client connected: %s topic=%s (total: %d)", client.id, topic, n)
	return client
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		monitoring.Logf("[Stream] Client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frames"`
	DroppedFrames uint64 `json:"dropped"`
	ClientCount   int32  `json:"clients"`
	Running       bool   `json:"running"`
}
