// Command obstacles aggregates motion-capture poses into obstacle snapshots
// and publishes them at a fixed rate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/mocap-obstacles/internal/aggregator"
	"github.com/banshee-data/mocap-obstacles/internal/api"
	"github.com/banshee-data/mocap-obstacles/internal/bus"
	"github.com/banshee-data/mocap-obstacles/internal/config"
	"github.com/banshee-data/mocap-obstacles/internal/kinematics"
	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
	"github.com/banshee-data/mocap-obstacles/internal/registry"
	"github.com/banshee-data/mocap-obstacles/internal/stream"
	"github.com/banshee-data/mocap-obstacles/internal/transport"
	"github.com/banshee-data/mocap-obstacles/internal/version"
)

var (
	configPath  = flag.String("config", "", "Config file (.json, .yaml or .yml). Overrides $"+config.EnvConfigPath)
	replayPath  = flag.String("replay", "", "Replay pose datagrams from a pcap file instead of listening on UDP")
	realtime    = flag.Bool("realtime", true, "Pace pcap replay by capture timestamps")
	devLog      = flag.Bool("dev", false, "Use the zap development logger")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("obstacles %s\n", version.String())
		return
	}

	zl, err := newZap(*devLog)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	monitoring.SetLogger(zl.Sugar().Infof)

	path := *configPath
	if path == "" {
		path = config.ResolvePath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		// A process without an entity table cannot publish anything useful.
		zl.Fatal("failed to load configuration", zap.String("path", path), zap.Error(err))
	}
	if *replayPath != "" {
		cfg.ReplayPCAP = replayPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runOptions{Zap: zl, Terminal: os.Stdout, Realtime: *realtime}); err != nil {
		zl.Fatal("obstacles exited with error", zap.Error(err))
	}
	zl.Info("graceful shutdown complete")
}

func newZap(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runOptions carries the process-level dependencies run does not read from
// the config file.
type runOptions struct {
	Zap      *zap.Logger
	Terminal io.Writer
	Realtime bool
	// ready, if set, receives the bound addresses once every listener is up.
	ready func(addrs boundAddrs)
}

type boundAddrs struct {
	GRPC  string
	Debug string
}

// run wires the pipeline and blocks until ctx is cancelled or a component
// fails. All goroutines have exited when it returns.
func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	reg, err := registry.New(cfg.RegistryConfig())
	if err != nil {
		return err
	}

	b := bus.New()
	defer b.Close()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Mode:      cfg.GetLogMode(),
		Source:    cfg.GetProcessName(),
		Publisher: b,
		Zap:       opts.Zap,
		Terminal:  opts.Terminal,
	})

	adapter := kinematics.WithTimeout(kinematics.NewEstimator(cfg.KinematicAgents()), cfg.GetAdapterTimeout())
	agg, err := aggregator.New(aggregator.Config{
		Registry:      reg,
		Adapter:       adapter,
		Order:         cfg.GetIDOrder(),
		FrameID:       cfg.GetFrameID(),
		Rate:          cfg.GetPublishRateHz(),
		Logger:        logger,
		StatsInterval: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	agg.AddSink(aggregator.NewBusSink(b))

	streamCfg := stream.DefaultConfig()
	streamCfg.ListenAddr = cfg.GetGRPCListenAddr()
	pub := stream.NewPublisher(streamCfg)
	grpcLis, err := net.Listen("tcp", streamCfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", streamCfg.ListenAddr, err)
	}
	agg.AddSink(pub)

	debugLis, err := net.Listen("tcp", cfg.GetDebugListenAddr())
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.GetDebugListenAddr(), err)
	}

	debug := api.NewServer(agg, agg, b)
	debug.AddStats("registry", func() any {
		return map[string]any{
			"local_entity": reg.LocalEntity(),
			"tracked":      reg.Tracked(),
			"static":       reg.StaticNames(),
		}
	})
	debug.AddStats("loop", func() any { return agg.Stats() })
	debug.AddStats("bus", func() any {
		return map[string]uint64{"published": b.Published(), "dropped": b.Dropped()}
	})
	debug.AddStats("stream", func() any { return pub.Stats() })
	mux := http.NewServeMux()
	debug.AttachAdminRoutes(mux)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	if err := pub.Serve(grpcLis); err != nil {
		grpcLis.Close()
		debugLis.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agg.RunSubscriptions(ctx, b, cfg.GetTopicPrefix())
	})

	if replay := cfg.GetReplayPCAP(); replay != "" {
		stats := &transport.Stats{}
		debug.AddStats("replay", func() any { return stats.Snapshot() })
		g.Go(func() error {
			err := transport.ReplayPCAP(ctx, transport.ReplayConfig{
				Path:      replay,
				Port:      cfg.GetReplayPort(),
				Publisher: b,
				Realtime:  opts.Realtime,
				Stats:     stats,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err == nil {
				monitoring.Logf("[Replay] Finished %s: %+v", replay, stats.Snapshot())
			}
			return err
		})
	} else {
		listener := transport.NewUDPListener(transport.UDPListenerConfig{
			Address:   cfg.GetPoseListenAddr(),
			RcvBuf:    1 << 20,
			Publisher: b,
		})
		debug.AddStats("udp", func() any { return listener.Stats().Snapshot() })
		g.Go(func() error {
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return agg.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		pub.Stop()
		return nil
	})

	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- server.Serve(debugLis) }()
		select {
		case err := <-errc:
			return fmt.Errorf("debug server: %w", err)
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("[Debug] Shutdown error: %v", err)
			_ = server.Close()
		}
		<-errc
		return nil
	})

	logger.Logf("obstacles %s started: grpc=%s debug=%s", version.String(), grpcLis.Addr(), debugLis.Addr())
	if opts.ready != nil {
		opts.ready(boundAddrs{GRPC: grpcLis.Addr().String(), Debug: debugLis.Addr().String()})
	}

	return g.Wait()
}
