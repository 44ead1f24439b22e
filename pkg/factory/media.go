package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harshabose/camserver/pkg/pipeline"
)

var ErrMediaClosed = errors.New("media is closed")

// Media is a running pipeline feeding one server stream.
type Media struct {
	ID        uuid.UUID
	CreatedAt time.Time

	factory  *Factory
	pipeline *pipeline.Pipeline
	stream   *gortsplib.ServerStream
	shared   bool
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	readers   map[any]struct{}
	idleSince time.Time
	err       error
	mux       sync.Mutex
}

func newMedia(f *Factory, server *gortsplib.Server, p *pipeline.Pipeline, shared bool) (*Media, error) {
	stream := &gortsplib.ServerStream{
		Server: server,
		Desc:   p.Description(),
	}
	if err := stream.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	m := &Media{
		ID:        uuid.New(),
		CreatedAt: now,
		factory:   f,
		pipeline:  p,
		stream:    stream,
		shared:    shared,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		readers:   make(map[any]struct{}),
		idleSince: now,
	}
	m.logger = f.logger.With().Str("media", m.ID.String()).Logger()

	go m.run()

	return m, nil
}

func (m *Media) run() {
	defer close(m.done)

	err := m.pipeline.Run(m.ctx, m.stream)
	if err != nil {
		m.logger.Error().Err(err).Str("launch", m.pipeline.Launch()).Msg("pipeline stopped")
	} else {
		m.logger.Info().Msg("pipeline stopped")
	}

	m.mux.Lock()
	m.err = err
	m.mux.Unlock()

	m.cancel()
	m.stream.Close()
	m.factory.release(m, err)
}

func (m *Media) Stream() *gortsplib.ServerStream {
	return m.stream
}

func (m *Media) Pipeline() *pipeline.Pipeline {
	return m.pipeline
}

func (m *Media) Shared() bool {
	return m.shared
}

// AddReader attaches a client session to the media.
func (m *Media) AddReader(key any) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.closing() {
		return ErrMediaClosed
	}

	m.readers[key] = struct{}{}
	return nil
}

// RemoveReader detaches a client session. The media stops with its last reader.
func (m *Media) RemoveReader(key any) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if _, exists := m.readers[key]; !exists {
		return
	}

	delete(m.readers, key)
	if len(m.readers) == 0 {
		m.idleSince = time.Now()
		m.logger.Info().Msg("last reader left, stopping media")
		m.cancel()
	}
}

func (m *Media) Readers() int {
	m.mux.Lock()
	defer m.mux.Unlock()

	return len(m.readers)
}

// IdleFor is how long the media has been without readers, zero when it has some.
func (m *Media) IdleFor(now time.Time) time.Duration {
	m.mux.Lock()
	defer m.mux.Unlock()

	if len(m.readers) > 0 {
		return 0
	}
	return now.Sub(m.idleSince)
}

// Stop asks the pipeline to stop without waiting for it.
func (m *Media) Stop() {
	m.cancel()
}

// Close stops the pipeline and waits until the stream is closed.
func (m *Media) Close() {
	m.cancel()
	<-m.done
}

func (m *Media) Done() <-chan struct{} {
	return m.done
}

// Err is the reason the pipeline stopped, nil while running or after a clean stop.
func (m *Media) Err() error {
	m.mux.Lock()
	defer m.mux.Unlock()

	return m.err
}

func (m *Media) closing() bool {
	return m.ctx.Err() != nil
}
