package factory

import (
	"errors"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/camserver/pkg/pipeline"
)

var ErrCreateElement = errors.New("failed to create pipeline")

// ElementCreator turns the factory's launch string into a pipeline for a
// requesting URL. It returns nil when the pipeline cannot be created.
type ElementCreator interface {
	CreateElement(url string) *pipeline.Pipeline
}

type EventType string

const (
	EventPipelineCreated EventType = "pipeline_created"
	EventPipelineFailed  EventType = "pipeline_failed"
	EventMediaPrepared   EventType = "media_prepared"
	EventMediaClosed     EventType = "media_closed"
)

type Event struct {
	Time   time.Time `json:"time"`
	Type   EventType `json:"type"`
	URL    string    `json:"url,omitempty"`
	Launch string    `json:"launch"`
	Error  string    `json:"error,omitempty"`
}

type Observer func(Event)

type Option func(*Factory)

func WithLogger(logger zerolog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

func WithObserver(observer Observer) Option {
	return func(f *Factory) {
		f.observers = append(f.observers, observer)
	}
}

func WithPipelineOptions(options ...pipeline.Option) Option {
	return func(f *Factory) {
		f.pipelineOptions = append(f.pipelineOptions, options...)
	}
}

// WithElementCreator replaces the default creation strategy.
func WithElementCreator(creator ElementCreator) Option {
	return func(f *Factory) {
		f.creator = creator
	}
}

// Factory prepares media for one mount from a launch string.
type Factory struct {
	launch          string
	shared          bool
	creator         ElementCreator
	pipelineOptions []pipeline.Option
	observers       []Observer
	logger          zerolog.Logger

	media map[*Media]struct{}
	// running media handed to every client when shared
	current *Media
	mux     sync.Mutex
}

func New(launch string, options ...Option) *Factory {
	f := &Factory{
		launch: launch,
		logger: zerolog.Nop(),
		media:  make(map[*Media]struct{}),
	}
	f.creator = f

	for _, option := range options {
		option(f)
	}

	return f
}

func (f *Factory) Launch() string {
	return f.launch
}

func (f *Factory) SetShared(shared bool) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.shared = shared
}

func (f *Factory) Shared() bool {
	f.mux.Lock()
	defer f.mux.Unlock()

	return f.shared
}

// CreateElement parses the launch string. Exactly one line is logged, whether
// it succeeds or not; failures return nil.
func (f *Factory) CreateElement(url string) *pipeline.Pipeline {
	p, err := pipeline.New(f.launch, f.pipelineOptions...)
	if err != nil {
		f.logger.Error().Err(err).Str("url", url).Str("launch", f.launch).Msg("GStreamer pipeline creation failed")
		f.emit(Event{Type: EventPipelineFailed, URL: url, Launch: f.launch, Error: err.Error()})
		return nil
	}

	f.logger.Info().Str("url", url).Str("launch", f.launch).Str("backend", string(p.Backend())).Msg("Successfully created pipeline")
	f.emit(Event{Type: EventPipelineCreated, URL: url, Launch: f.launch})
	return p
}

// Media returns the running media of a shared factory, or prepares a new one.
func (f *Factory) Media(server *gortsplib.Server, url string) (*Media, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.shared && f.current != nil && !f.current.closing() {
		return f.current, nil
	}

	p := f.creator.CreateElement(url)
	if p == nil {
		return nil, ErrCreateElement
	}

	m, err := newMedia(f, server, p, f.shared)
	if err != nil {
		f.logger.Error().Err(err).Str("url", url).Msg("failed to prepare media")
		return nil, err
	}

	f.media[m] = struct{}{}
	if f.shared {
		f.current = m
	}

	f.logger.Info().Str("url", url).Str("media", m.ID.String()).Bool("shared", f.shared).Msg("media prepared")
	f.emit(Event{Type: EventMediaPrepared, URL: url, Launch: f.launch})

	return m, nil
}

// ActiveMedia returns the number of prepared media that have not closed yet.
func (f *Factory) ActiveMedia() int {
	f.mux.Lock()
	defer f.mux.Unlock()

	return len(f.media)
}

func (f *Factory) AllMedia() []*Media {
	f.mux.Lock()
	defer f.mux.Unlock()

	media := make([]*Media, 0, len(f.media))
	for m := range f.media {
		media = append(media, m)
	}
	return media
}

// Close closes every media prepared by this factory.
func (f *Factory) Close() {
	for _, m := range f.AllMedia() {
		m.Close()
	}
}

func (f *Factory) release(m *Media, err error) {
	f.mux.Lock()
	delete(f.media, m)
	if f.current == m {
		f.current = nil
	}
	f.mux.Unlock()

	event := Event{Type: EventMediaClosed, Launch: f.launch}
	if err != nil {
		event.Error = err.Error()
	}
	f.emit(event)
}

func (f *Factory) emit(event Event) {
	if len(f.observers) == 0 {
		return
	}

	event.Time = time.Now()
	for _, observer := range f.observers {
		observer(event)
	}
}
