package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const (
	// PayloaderName is the element name the RTSP server reads packets from.
	PayloaderName = "pay0"

	DefaultPayloadType = 96
	DefaultLauncher    = "gst-launch-1.0"
)

var (
	ErrNoPayloader          = errors.New("pipeline has no element named " + PayloaderName)
	ErrUnsupportedPayloader = errors.New("unsupported payloader")
	ErrPipelineEnded        = errors.New("pipeline reached end of stream")
)

type Backend string

const (
	BackendLaunch Backend = "launch"
	BackendRelay  Backend = "relay"
)

// Sink receives the packets produced by the payloader. *gortsplib.ServerStream satisfies it.
type Sink interface {
	WritePacketRTP(media *description.Media, pkt *rtp.Packet) error
}

type runner interface {
	run(ctx context.Context, p *Pipeline, sink Sink) error
}

type Config struct {
	Launcher        string
	// resolves element factories the parser does not know, empty disables it
	Inspector       string
	LaunchWaitDelay time.Duration
	RelayQueueSize  int
	Logger          zerolog.Logger
}

func DefaultConfig() Config {
	c := Config{Logger: zerolog.Nop(), Inspector: DefaultInspector}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Launcher == "" {
		c.Launcher = DefaultLauncher
	}

	if c.LaunchWaitDelay == 0 {
		c.LaunchWaitDelay = 5 * time.Second
	}

	if c.RelayQueueSize == 0 {
		c.RelayQueueSize = 1024
	}
}

type Option func(*Config)

func WithLauncher(path string) Option {
	return func(c *Config) {
		c.Launcher = path
	}
}

func WithInspector(path string) Option {
	return func(c *Config) {
		c.Inspector = path
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Pipeline is a parsed launch description ready to run.
type Pipeline struct {
	launch     string
	descriptor *Descriptor
	payloader  *Element
	format     *format.H264
	media      *description.Media
	backend    Backend
	runner     runner
}

// New parses launch and prepares the backend that will run it. Nothing is started.
func New(launch string, options ...Option) (*Pipeline, error) {
	config := DefaultConfig()
	for _, option := range options {
		option(&config)
	}
	config.SetDefaults()

	var inspect inspectFunc
	if config.Inspector != "" {
		inspect = gstInspect(config.Inspector)
	}

	descriptor, err := parse(launch, inspect)
	if err != nil {
		return nil, err
	}

	payloader := descriptor.ElementByName(PayloaderName)
	if payloader == nil {
		return nil, ErrNoPayloader
	}
	if payloader.Factory != "rtph264pay" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayloader, payloader.Factory)
	}

	payloadType, err := uintProperty(payloader, "pt", DefaultPayloadType, 127)
	if err != nil {
		return nil, err
	}

	forma := &format.H264{
		PayloadTyp:        uint8(payloadType),
		PacketizationMode: 1,
	}

	p := &Pipeline{
		launch:     launch,
		descriptor: descriptor,
		payloader:  payloader,
		format:     forma,
		media: &description.Media{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{forma},
		},
	}

	logger := config.Logger.With().Str("payloader", payloader.Factory).Logger()

	if isRelay(descriptor) {
		r, err := newRelayRunner(descriptor, payloader, config, logger)
		if err != nil {
			return nil, err
		}
		p.backend, p.runner = BackendRelay, r
	} else {
		p.backend, p.runner = BackendLaunch, newLaunchRunner(config, logger)
	}

	return p, nil
}

func (p *Pipeline) Launch() string {
	return p.launch
}

func (p *Pipeline) Descriptor() *Descriptor {
	return p.descriptor
}

func (p *Pipeline) Backend() Backend {
	return p.backend
}

// Media is the media every packet of this pipeline is written to.
func (p *Pipeline) Media() *description.Media {
	return p.media
}

// Description is the session announced to RTSP clients.
func (p *Pipeline) Description() *description.Session {
	return &description.Session{
		Medias: []*description.Media{p.media},
	}
}

// Run blocks until ctx is done or the pipeline stops on its own.
// A cancelled context is not an error.
func (p *Pipeline) Run(ctx context.Context, sink Sink) error {
	return p.runner.run(ctx, p, sink)
}

var relayElements = map[string]struct{}{
	"rtspsrc":      {},
	"rtph264depay": {},
	"h264parse":    {},
	"queue":        {},
	"rtph264pay":   {},
}

func isRelay(d *Descriptor) bool {
	if src := d.Source(); src == nil || src.Factory != "rtspsrc" {
		return false
	}

	for _, e := range d.Elements {
		if _, ok := relayElements[e.Factory]; !ok {
			return false
		}
	}

	return true
}

func uintProperty(e *Element, key string, def uint64, limit uint64) (uint64, error) {
	v, ok := e.Property(key)
	if !ok {
		return def, nil
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n > limit {
		return 0, fmt.Errorf("invalid %s %q on %s", key, v, e.Factory)
	}

	return n, nil
}

func intProperty(e *Element, key string, def int64) (int64, error) {
	v, ok := e.Property(key)
	if !ok {
		return def, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q on %s", key, v, e.Factory)
	}

	return n, nil
}
