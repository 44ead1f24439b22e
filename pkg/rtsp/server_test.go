package rtsp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/camserver/pkg/factory"
	"github.com/harshabose/camserver/pkg/mount"
	"github.com/harshabose/camserver/pkg/pipeline"
)

const (
	validLaunch   = "videotestsrc is-live=true ! x264enc tune=zerolatency ! rtph264pay config-interval=1 name=pay0 pt=96"
	invalidLaunch = "videotestsrc ! nosuchencoder ! rtph264pay name=pay0 pt=96"
)

type syncBuffer struct {
	buf bytes.Buffer
	mux sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *ServerConfig {
	config := DefaultServerConfig()
	config.Address = "127.0.0.1"
	config.Port = freePort(t)
	config.UDPRTPAddress = ""
	config.UDPRTCPAddress = ""
	config.MulticastIPRange = ""
	config.MulticastRTPPort = 0
	config.MulticastRTCPPort = 0
	return config
}

func newFactory(t *testing.T, launch string, shared bool) *factory.Factory {
	path := filepath.Join(t.TempDir(), "gst-launch-1.0")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 10\n"), 0o755))

	f := factory.New(launch, factory.WithPipelineOptions(pipeline.WithLauncher(path)))
	f.SetShared(shared)
	return f
}

// startTestServer runs s in the background until the test ends.
func startTestServer(t *testing.T, s *Server) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	select {
	case <-s.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("server stopped before it was ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func dial(t *testing.T, s *Server) *gortsplib.Client {
	transport := gortsplib.TransportTCP
	c := &gortsplib.Client{
		Transport: &transport,
	}
	require.NoError(t, c.Start("rtsp", s.Config().RTSPAddress()))
	return c
}

func TestDefaultServerConfig(t *testing.T) {
	t.Setenv("RTSP_ADDRESS", "10.0.0.1")
	t.Setenv("RTSP_PORT", "9999")
	t.Setenv("PORT", "9999")

	config := DefaultServerConfig()
	require.Equal(t, "0.0.0.0", config.Address)
	require.Equal(t, 8554, config.Port)
	require.Equal(t, "0.0.0.0:8554", config.RTSPAddress())
	require.Zero(t, config.ReServeAttempts)

	require.Equal(t, 8554, NewServer(nil, nil).Config().Port)
}

func TestRunStopsOnCancel(t *testing.T) {
	var buf syncBuffer
	s := NewServer(testConfig(t), mount.New(), WithLogger(zerolog.New(&buf)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	require.Equal(t, ServerUpState, s.Metrics().GetState())
	require.Contains(t, buf.String(), "RTSP server attached")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.Contains(t, buf.String(), "Stopping RTSP server.")
	require.Equal(t, ServerDownState, s.Metrics().GetState())
	require.ErrorIs(t, s.Run(context.Background()), ErrServerRunning)
}

func TestRunPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	config := testConfig(t)
	config.Port = l.Addr().(*net.TCPAddr).Port

	s := NewServer(config, nil)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), config.RTSPAddress())
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not report the start failure")
	}

	require.Len(t, s.Metrics().Snapshot().RecentErrors, 1)
}

func TestDescribeSetupPlay(t *testing.T) {
	mounts := mount.New()
	f := newFactory(t, validLaunch, true)
	require.NoError(t, mounts.AddFactory("/cam0", f))

	s := NewServer(testConfig(t), mounts)
	startTestServer(t, s)

	c := dial(t, s)
	defer c.Close()

	u, err := base.ParseURL("rtsp://" + s.Config().RTSPAddress() + "/cam0")
	require.NoError(t, err)

	desc, _, err := c.Describe(u)
	require.NoError(t, err)
	require.Len(t, desc.Medias, 1)

	var h264 *format.H264
	medi := desc.FindFormat(&h264)
	require.NotNil(t, medi)
	require.Equal(t, uint8(96), h264.PayloadTyp)

	_, err = c.Setup(desc.BaseURL, medi, 0, 0)
	require.NoError(t, err)

	_, err = c.Play(nil)
	require.NoError(t, err)

	status := s.Status()
	require.Len(t, status.Mounts, 1)
	require.Equal(t, "/cam0", status.Mounts[0].Path)
	require.True(t, status.Mounts[0].Shared)
	require.Len(t, status.Mounts[0].Media, 1)
	require.Equal(t, 1, status.Mounts[0].Media[0].Readers)
	require.Equal(t, string(pipeline.BackendLaunch), status.Mounts[0].Media[0].Backend)

	// a second client shares the running media
	c2 := dial(t, s)
	defer c2.Close()

	desc2, _, err := c2.Describe(u)
	require.NoError(t, err)
	_, err = c2.Setup(desc2.BaseURL, desc2.Medias[0], 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.ActiveMedia())
	require.Equal(t, 2, f.AllMedia()[0].Readers())

	c.Close()
	c2.Close()
	require.Eventually(t, func() bool { return f.ActiveMedia() == 0 }, 10*time.Second, 20*time.Millisecond)
}

func TestDescribeUnknownPath(t *testing.T) {
	mounts := mount.New()
	require.NoError(t, mounts.AddFactory("/cam0", newFactory(t, validLaunch, true)))

	s := NewServer(testConfig(t), mounts)
	startTestServer(t, s)

	c := dial(t, s)
	defer c.Close()

	u, err := base.ParseURL("rtsp://" + s.Config().RTSPAddress() + "/cam9")
	require.NoError(t, err)

	_, _, err = c.Describe(u)
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestDescribeCreateFailure(t *testing.T) {
	var buf syncBuffer

	mounts := mount.New()
	f := factory.New(invalidLaunch, factory.WithLogger(zerolog.New(&buf)))
	f.SetShared(true)
	require.NoError(t, mounts.AddFactory("/cam0", f))

	s := NewServer(testConfig(t), mounts)
	startTestServer(t, s)

	c := dial(t, s)
	defer c.Close()

	u, err := base.ParseURL("rtsp://" + s.Config().RTSPAddress() + "/cam0")
	require.NoError(t, err)

	_, _, err = c.Describe(u)
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")

	require.Contains(t, buf.String(), "GStreamer pipeline creation failed")
	require.Contains(t, buf.String(), "/cam0")
	require.Len(t, s.Metrics().Snapshot().RecentErrors, 1)
}

func TestNotSharedMediaClosedWithConnection(t *testing.T) {
	mounts := mount.New()
	f := newFactory(t, validLaunch, false)
	require.NoError(t, mounts.AddFactory("/cam1", f))

	s := NewServer(testConfig(t), mounts)
	startTestServer(t, s)

	c := dial(t, s)

	u, err := base.ParseURL("rtsp://" + s.Config().RTSPAddress() + "/cam1")
	require.NoError(t, err)

	_, _, err = c.Describe(u)
	require.NoError(t, err)
	require.Equal(t, 1, f.ActiveMedia())

	c.Close()
	require.Eventually(t, func() bool { return f.ActiveMedia() == 0 }, 10*time.Second, 20*time.Millisecond)
}

func TestCleanupIdleMedia(t *testing.T) {
	mounts := mount.New()
	f := newFactory(t, validLaunch, true)
	require.NoError(t, mounts.AddFactory("/cam0", f))

	config := testConfig(t)
	config.IdleMediaTimeout = time.Minute

	s := NewServer(config, mounts)
	startTestServer(t, s)

	c := dial(t, s)
	defer c.Close()

	u, err := base.ParseURL("rtsp://" + s.Config().RTSPAddress() + "/cam0")
	require.NoError(t, err)

	_, _, err = c.Describe(u)
	require.NoError(t, err)
	require.Equal(t, 1, f.ActiveMedia())

	s.cleanupIdleMedia(time.Now())
	require.Equal(t, 1, f.ActiveMedia())

	s.cleanupIdleMedia(time.Now().Add(2 * time.Minute))
	require.Eventually(t, func() bool { return f.ActiveMedia() == 0 }, 10*time.Second, 20*time.Millisecond)
}

func TestServeAgainUsesNewServer(t *testing.T) {
	mounts := mount.New()
	f := newFactory(t, validLaunch, true)
	require.NoError(t, mounts.AddFactory("/cam0", f))

	s := NewServer(testConfig(t), mounts)

	u, err := base.ParseURL("rtsp://" + s.Config().RTSPAddress() + "/cam0")
	require.NoError(t, err)

	describe := func() {
		c := dial(t, s)
		defer c.Close()

		_, _, err := c.Describe(u)
		require.NoError(t, err)
	}

	servers := make(map[*gortsplib.Server]struct{})
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- s.serve(ctx)
		}()

		require.Eventually(t, func() bool {
			c := &gortsplib.Client{}
			if err := c.Start("rtsp", s.Config().RTSPAddress()); err != nil {
				return false
			}
			defer c.Close()
			_, err := c.Options(u)
			return err == nil
		}, 5*time.Second, 20*time.Millisecond)

		describe()
		servers[s.rtspServer()] = struct{}{}
		require.Equal(t, 1, f.ActiveMedia())

		cancel()
		require.NoError(t, <-done)
		require.Eventually(t, func() bool { return f.ActiveMedia() == 0 }, 10*time.Second, 20*time.Millisecond)
	}

	require.Len(t, servers, 2)
}

func TestIsLocalhost(t *testing.T) {
	for _, ca := range []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:554", true},
		{"[::1]:554", true},
		{"localhost:554", true},
		{"192.168.1.10:554", false},
		{"not-an-address", false},
	} {
		t.Run(ca.addr, func(t *testing.T) {
			require.Equal(t, ca.want, isLocalhost(ca.addr))
		})
	}
}

func TestMetricsRecentErrors(t *testing.T) {
	m := newServerMetrics(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		m.AddError(errors.New(msg))
	}

	require.Equal(t, []string{"b", "c", "d"}, m.Snapshot().RecentErrors)

	m.SetState(ServerUpState)
	require.Equal(t, "UP", m.GetState().String())
	require.Equal(t, "UNKNOWN", ServerState(42).String())

	m.DecrementTotalConnections()
	require.Zero(t, m.GetTotalConnections())
	require.Equal(t, "SETTING_UP", ServerSettingUp.String())
}
