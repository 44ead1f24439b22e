package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

var ErrNoH264 = errors.New("upstream has no H264 media")

// rtspsrc default
const defaultRelayLatency = 2000 * time.Millisecond

// relayRunner runs rtspsrc ! rtph264depay ! h264parse ! rtph264pay natively.
type relayRunner struct {
	location       string
	latency        time.Duration
	transport      *gortsplib.Transport
	configInterval int64
	queueSize      int
	logger         zerolog.Logger
}

func newRelayRunner(d *Descriptor, payloader *Element, config Config, logger zerolog.Logger) (*relayRunner, error) {
	src := d.Source()

	location, ok := src.Property("location")
	if !ok || location == "" {
		return nil, fmt.Errorf("rtspsrc requires a location")
	}
	if _, err := base.ParseURL(location); err != nil {
		return nil, fmt.Errorf("invalid rtspsrc location %q: %w", location, err)
	}

	latency, err := uintProperty(src, "latency", uint64(defaultRelayLatency/time.Millisecond), uint64(time.Hour/time.Millisecond))
	if err != nil {
		return nil, err
	}

	r := &relayRunner{
		location:  location,
		latency:   time.Duration(latency) * time.Millisecond,
		queueSize: config.RelayQueueSize,
		logger:    logger.With().Str("backend", string(BackendRelay)).Str("location", location).Logger(),
	}

	if protocols, ok := src.Property("protocols"); ok {
		var transport gortsplib.Transport
		switch protocols {
		case "tcp":
			transport = gortsplib.TransportTCP
		case "udp":
			transport = gortsplib.TransportUDP
		case "udp-mcast":
			transport = gortsplib.TransportUDPMulticast
		default:
			return nil, fmt.Errorf("unsupported rtspsrc protocols %q", protocols)
		}
		r.transport = &transport
	}

	// the payloader's interval wins over h264parse's, as in gstreamer both insert
	if parse := findFactory(d, "h264parse"); parse != nil {
		if r.configInterval, err = intProperty(parse, "config-interval", 0); err != nil {
			return nil, err
		}
	}
	interval, err := intProperty(payloader, "config-interval", 0)
	if err != nil {
		return nil, err
	}
	if interval != 0 {
		r.configInterval = interval
	}

	return r, nil
}

func (r *relayRunner) run(ctx context.Context, p *Pipeline, sink Sink) error {
	u, err := base.ParseURL(r.location)
	if err != nil {
		return err
	}

	c := &gortsplib.Client{
		Transport: r.transport,
	}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.location, err)
	}
	defer c.Close()

	// requests to a silent upstream only return once the client is closed
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stopWatch:
		}
	}()

	// once ctx is done, request errors come from the watcher closing the client
	cancelled := func(err error) error {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		return cancelled(fmt.Errorf("DESCRIBE %s failed: %w", r.location, err))
	}

	var upstream *format.H264
	medi := desc.FindFormat(&upstream)
	if medi == nil {
		return ErrNoH264
	}

	rtpDec, err := upstream.CreateDecoder()
	if err != nil {
		return err
	}

	rtpEnc, err := p.format.CreateEncoder()
	if err != nil {
		return err
	}

	sps, pps := upstream.SafeParams()
	parser := newAccessUnitParser(sps, pps, r.configInterval)
	line := newDelayLine(r.latency, r.queueSize)

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return cancelled(fmt.Errorf("SETUP %s failed: %w", r.location, err))
	}

	c.OnPacketRTP(medi, upstream, func(pkt *rtp.Packet) {
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrMorePacketsNeeded) && !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) {
				r.logger.Debug().Err(err).Msg("failed to depayload")
			}
			return
		}

		au = parser.parse(au)
		if au == nil {
			return
		}

		pkts, err := rtpEnc.Encode(au)
		if err != nil {
			r.logger.Debug().Err(err).Msg("failed to payload")
			return
		}

		for _, out := range pkts {
			out.Timestamp = pkt.Timestamp
			if !line.push(out) {
				r.logger.Warn().Msg("relay queue full, dropping packet")
			}
		}
	})

	if _, err := c.Play(nil); err != nil {
		return cancelled(fmt.Errorf("PLAY %s failed: %w", r.location, err))
	}
	r.logger.Info().Dur("latency", r.latency).Msg("relaying upstream stream")

	lineCtx, cancelLine := context.WithCancel(ctx)
	defer cancelLine()

	lineDone := make(chan error, 1)
	go func() {
		lineDone <- line.run(lineCtx, func(pkt *rtp.Packet) error {
			return sink.WritePacketRTP(p.media, pkt)
		})
	}()

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- c.Wait()
	}()

	select {
	case <-ctx.Done():
		c.Close()
		<-clientDone
		return nil

	case err := <-clientDone:
		return cancelled(fmt.Errorf("upstream %s: %w", r.location, err))

	case err := <-lineDone:
		c.Close()
		<-clientDone
		if err == nil {
			return nil
		}
		return cancelled(fmt.Errorf("failed to write to stream: %w", err))
	}
}

func findFactory(d *Descriptor, factory string) *Element {
	for _, e := range d.Elements {
		if e.Factory == factory {
			return e
		}
	}
	return nil
}
