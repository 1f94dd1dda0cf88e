package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
)

// MaxReplayGap caps the pause between two replayed packets so a capture
// with a long silence does not stall the replay.
const MaxReplayGap = time.Second

// ReplayConfig configures ReplayPCAP.
type ReplayConfig struct {
	Path string
	// Port filters on UDP destination port. Zero accepts every UDP packet.
	Port      int
	Publisher Publisher
	// Realtime paces packets by their capture timestamps.
	Realtime bool
	Stats    *Stats
}

// ReplayPCAP publishes every pose datagram in a pcap file. It returns nil at
// end of file and ctx.Err() when cancelled.
func ReplayPCAP(ctx context.Context, cfg ReplayConfig) error {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	defer f.Close()
	return replay(ctx, f, cfg)
}

func replay(ctx context.Context, r io.Reader, cfg ReplayConfig) error {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header: %w", err)
	}
	stats := cfg.Stats
	if stats == nil {
		stats = &Stats{}
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())

	var (
		count    int
		prevTime time.Time
		start    = time.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[Replay] Stopping after %d packets", count)
			return err
		}
		packet, err := source.NextPacket()
		if err == io.EOF {
			monitoring.Logf("[Replay] Complete: %d packets in %v", count, time.Since(start))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read PCAP packet after %d packets: %w", count, err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.Port != 0 && int(udp.DstPort) != cfg.Port {
			continue
		}

		if cfg.Realtime {
			ts := packet.Metadata().Timestamp
			if !prevTime.IsZero() {
				if err := sleepCtx(ctx, ts.Sub(prevTime)); err != nil {
					return err
				}
			}
			prevTime = ts
		}

		count++
		if err := handleDatagram(stats, cfg.Publisher, udp.Payload); err != nil {
			monitoring.Logf("[Replay] Packet %d: %v", count, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if d > MaxReplayGap {
		d = MaxReplayGap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
