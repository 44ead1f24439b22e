package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// large enough for any datagram udpsink sends on loopback
const maxDatagramSize = 65535

// launchRunner hands the descriptor to gst-launch and reads the payloader's
// output back over loopback UDP.
type launchRunner struct {
	launcher  string
	waitDelay time.Duration
	logger    zerolog.Logger
}

func newLaunchRunner(config Config, logger zerolog.Logger) *launchRunner {
	return &launchRunner{
		launcher:  config.Launcher,
		waitDelay: config.LaunchWaitDelay,
		logger:    logger.With().Str("backend", string(BackendLaunch)).Logger(),
	}
}

func (r *launchRunner) args(p *Pipeline, port int) []string {
	args := []string{"-e"}
	args = append(args, p.descriptor.Args()...)
	return append(args, link, "udpsink", "host=127.0.0.1", fmt.Sprintf("port=%d", port), "sync=false")
}

func (r *launchRunner) run(ctx context.Context, p *Pipeline, sink Sink) error {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to open RTP listener: %w", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, r.launcher, r.args(p, port)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.waitDelay
	cmd.Stdout = &lineLogger{logger: r.logger, level: zerolog.DebugLevel}
	cmd.Stderr = &lineLogger{logger: r.logger, level: zerolog.WarnLevel}

	if err := cmd.Start(); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to start %s: %w", r.launcher, err)
	}
	r.logger.Info().Int("pid", cmd.Process.Pid).Int("rtp_port", port).Msg("launched pipeline")

	readDone := make(chan error, 1)
	go func() {
		err := readRTP(conn, p.media, sink)
		if !errors.Is(err, net.ErrClosed) {
			// the stream refused a packet, nobody is left to read the pipeline
			cancel()
		}
		readDone <- err
	}()

	waitErr := cmd.Wait()
	_ = conn.Close()
	readErr := <-readDone

	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil && !errors.Is(readErr, net.ErrClosed) {
		return fmt.Errorf("failed to write to stream: %w", readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("%s exited: %w", r.launcher, waitErr)
	}

	return ErrPipelineEnded
}

func readRTP(conn net.PacketConn, media *description.Media, sink Sink) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(bytes.Clone(buf[:n])); err != nil {
			continue
		}

		if err := sink.WritePacketRTP(media, &pkt); err != nil {
			return err
		}
	}
}

// lineLogger forwards child process output line by line.
type lineLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
	buf    []byte
	mux    sync.Mutex
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}

		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.WithLevel(l.level).Msg(string(line))
		}
		l.buf = l.buf[i+1:]
	}

	return len(p), nil
}
