// Package transport feeds pose samples into the bus from UDP datagrams or
// from a recorded pcap file.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
	"github.com/banshee-data/mocap-obstacles/internal/wire"
)

// Publisher receives decoded samples, keyed by the datagram topic.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Stats counts listener traffic. All fields are safe for concurrent use.
type Stats struct {
	Packets       atomic.Uint64
	Bytes         atomic.Uint64
	Decoded       atomic.Uint64
	Malformed     atomic.Uint64
	PublishErrors atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Packets       uint64 `json:"packets"`
	Bytes         uint64 `json:"bytes"`
	Decoded       uint64 `json:"decoded"`
	Malformed     uint64 `json:"malformed"`
	PublishErrors uint64 `json:"publish_errors"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Packets:       s.Packets.Load(),
		Bytes:         s.Bytes.Load(),
		Decoded:       s.Decoded.Load(),
		Malformed:     s.Malformed.Load(),
		PublishErrors: s.PublishErrors.Load(),
	}
}

// handleDatagram decodes one datagram and publishes the sample. Errors are
// counted and returned for logging; they never stop the caller.
func handleDatagram(stats *Stats, pub Publisher, data []byte) error {
	stats.Packets.Add(1)
	stats.Bytes.Add(uint64(len(data)))

	msg, err := wire.Decode(data)
	if err != nil {
		stats.Malformed.Add(1)
		return err
	}
	stats.Decoded.Add(1)
	if err := pub.Publish(msg.Topic, msg.ToSample()); err != nil {
		stats.PublishErrors.Add(1)
		return fmt.Errorf("failed to publish %s: %w", msg.Topic, err)
	}
	return nil
}

// UDPListener receives pose datagrams and publishes them to the bus.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	factory     UDPSocketFactory
	pub         Publisher
	stats       *Stats
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	// Factory defaults to RealUDPSocketFactory.
	Factory   UDPSocketFactory
	Publisher Publisher
}

// NewUDPListener creates a listener. It does not open the socket until
// Start.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	factory := config.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		factory:     factory,
		pub:         config.Publisher,
		stats:       &Stats{},
	}
}

// Stats returns the live counters.
func (l *UDPListener) Stats() *Stats { return l.stats }

// Start listens until ctx is cancelled. It returns ctx.Err() on shutdown.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("[UDP] Warning: failed to set receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("[UDP] Pose listener started on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buffer := make([]byte, wire.MaxDatagramSize+1)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[UDP] Pose listener stopping")
			return ctx.Err()
		default:
		}

		// The deadline lets the loop observe cancellation.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("udp socket closed: %w", err)
			}
			monitoring.Logf("[UDP] Read error: %v", err)
			continue
		}
		if err := handleDatagram(l.stats, l.pub, buffer[:n]); err != nil {
			monitoring.Logf("[UDP] Dropped datagram from %v: %v", from, err)
		}
	}
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := l.stats.Snapshot()
			monitoring.Logf("[UDP] packets=%d bytes=%d decoded=%d malformed=%d publish_errors=%d",
				s.Packets, s.Bytes, s.Decoded, s.Malformed, s.PublishErrors)
		}
	}
}
