package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/camserver/pkg/config"
	"github.com/harshabose/camserver/pkg/mount"
	"github.com/harshabose/camserver/pkg/pipeline"
	"github.com/harshabose/camserver/pkg/rtsp"
)

func TestMountEndpoints(t *testing.T) {
	c := config.DefaultConfig()
	mounts := mount.New()

	require.NoError(t, mountEndpoints(mounts, c, zerolog.Nop()))
	require.Equal(t, []string{"/cam0", "/cam1", "/restream"}, mounts.Paths())

	factories := mounts.Factories()
	for _, e := range c.Endpoints {
		f, exists := factories[e.Path]
		require.True(t, exists)
		require.True(t, f.Shared())
		require.Equal(t, e.LaunchString(), f.Launch())
	}

	// mounting the same catalog twice must fail on the first duplicate
	require.ErrorIs(t, mountEndpoints(mounts, c, zerolog.Nop()), mount.ErrMountExists)
}

func TestMountEndpointsRegistersElements(t *testing.T) {
	c, err := config.Parse([]byte(`
endpoints:
  - path: /hw
    launch: v4l2src ! camtesthwenc extra-controls=x ! rtph264pay name=pay0
pipeline:
  inspector: /nonexistent/gst-inspect-1.0
  elements:
    camtesthwenc: [extra-controls]
`))
	require.NoError(t, err)

	mounts := mount.New()
	require.NoError(t, mountEndpoints(mounts, c, zerolog.Nop()))
	require.Contains(t, pipeline.Elements(), "camtesthwenc")

	_, err = pipeline.New(c.Endpoints[0].LaunchString(), pipeline.WithInspector(""))
	require.NoError(t, err)
}

func TestBanner(t *testing.T) {
	lines := banner(config.DefaultEndpoints(), rtsp.DefaultServerConfig())

	require.Equal(t, []string{
		"Stream for camera " + config.Cam0Name + " configured at rtsp://0.0.0.0:8554/cam0",
		"Stream for camera " + config.Cam1Name + " configured at rtsp://0.0.0.0:8554/cam1",
		"Restream of " + config.RestreamURL + " configured at rtsp://0.0.0.0:8554/restream",
		"RTSP server started. Access streams from other devices using:",
		"  rtsp://YOUR_PI_IP:8554/cam0",
		"  rtsp://YOUR_PI_IP:8554/cam1",
		"  rtsp://YOUR_PI_IP:8554/restream",
	}, lines)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", NoColor: true})
	require.NoError(t, err)
	require.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	_, err = newLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
