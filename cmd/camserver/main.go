package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/harshabose/camserver/pkg/config"
	"github.com/harshabose/camserver/pkg/factory"
	"github.com/harshabose/camserver/pkg/mount"
	"github.com/harshabose/camserver/pkg/pipeline"
	"github.com/harshabose/camserver/pkg/rtsp"
	"github.com/harshabose/camserver/pkg/status"
)

/* EXAMPLE OUTPUT
ffplay -fflags nobuffer -flags low_delay \
	-framedrop rtsp://localhost:8554/cam0
*/

func main() {
	configPath := flag.String("config", "", "optional YAML file overriding endpoints, logging and the status server")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(c.Log)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverConfig := rtsp.DefaultServerConfig()
	serverConfig.IdleMediaTimeout = c.RTSP.IdleMediaTimeout
	serverConfig.MetricsPrintInterval = c.RTSP.MetricsPrintInterval

	var statusServer *status.Server
	var observers []factory.Option

	mounts := mount.New()
	server := rtsp.NewServer(serverConfig, mounts, rtsp.WithLogger(logger.With().Str("component", "rtsp").Logger()))

	if c.Status.Enabled {
		statusServer = status.NewServer(status.Config{
			Addr:      c.Status.Addr,
			Port:      c.Status.Port,
			RateLimit: c.Status.RateLimit,
			BurstSize: c.Status.BurstSize,
		}, server, status.WithLogger(logger.With().Str("component", "status").Logger()))
		observers = append(observers, factory.WithObserver(statusServer.Publish))
	}

	if err := mountEndpoints(mounts, c, logger, observers...); err != nil {
		return err
	}

	for _, line := range banner(c.Endpoints, serverConfig) {
		logger.Info().Msg(line)
	}

	if statusServer != nil {
		go func() {
			if err := statusServer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	return server.Run(ctx)
}

func mountEndpoints(mounts *mount.Mounts, c *config.Config, logger zerolog.Logger, options ...factory.Option) error {
	for name, properties := range c.Pipeline.Elements {
		pipeline.RegisterElement(name, properties...)
	}

	for _, e := range c.Endpoints {
		l := logger.With().Str("mount", e.Path).Logger()

		f := factory.New(e.LaunchString(), append([]factory.Option{
			factory.WithLogger(l),
			factory.WithPipelineOptions(
				pipeline.WithLauncher(c.Pipeline.Launcher),
				pipeline.WithInspector(c.Pipeline.Inspector),
				pipeline.WithLogger(l),
			),
		}, options...)...)
		f.SetShared(e.IsShared())

		if err := mounts.AddFactory(e.Path, f); err != nil {
			return fmt.Errorf("failed to mount %s: %w", e.Path, err)
		}
	}

	return nil
}

func banner(endpoints []config.Endpoint, serverConfig *rtsp.ServerConfig) []string {
	lines := make([]string, 0, 2*len(endpoints)+1)

	for _, e := range endpoints {
		at := fmt.Sprintf("rtsp://%s%s", serverConfig.RTSPAddress(), e.Path)
		switch {
		case e.Camera != "":
			lines = append(lines, fmt.Sprintf("Stream for camera %s configured at %s", e.Camera, at))
		case e.Restream != "":
			lines = append(lines, fmt.Sprintf("Restream of %s configured at %s", e.Restream, at))
		default:
			lines = append(lines, fmt.Sprintf("Stream %s configured at %s", e.Path, at))
		}
	}

	lines = append(lines, "RTSP server started. Access streams from other devices using:")
	for _, e := range endpoints {
		lines = append(lines, fmt.Sprintf("  rtsp://YOUR_PI_IP:%d%s", serverConfig.Port, e.Path))
	}

	return lines
}
