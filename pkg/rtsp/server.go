package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harshabose/camserver/pkg/factory"
	"github.com/harshabose/camserver/pkg/mount"
)

var ErrServerRunning = errors.New("rtsp server is already running")

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// clientSession is kept as the gortsplib session user data.
type clientSession struct {
	ID         uuid.UUID
	RemoteAddr string
	IsLocal    bool
	ConnTime   time.Time

	mount string
	media *factory.Media
}

// parkedMedia is a non-shared media prepared at DESCRIBE and not yet claimed
// by a SETUP on the same connection.
type parkedMedia struct {
	mount string
	media *factory.Media
}

func isLocalhost(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return strings.ToLower(host) == "localhost"
	}

	return ip.IsLoopback()
}

type Server struct {
	server *gortsplib.Server
	config *ServerConfig
	mounts *mount.Mounts
	logger zerolog.Logger

	parked map[*gortsplib.ServerConn][]parkedMedia
	mux    sync.Mutex

	running bool
	ready   chan struct{}
	failed  chan error
	wg      sync.WaitGroup

	metrics *ServerMetrics
}

func NewServer(config *ServerConfig, mounts *mount.Mounts, options ...Option) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if mounts == nil {
		mounts = mount.New()
	}

	server := &Server{
		config:  config,
		mounts:  mounts,
		logger:  zerolog.Nop(),
		parked:  make(map[*gortsplib.ServerConn][]parkedMedia),
		ready:   make(chan struct{}),
		failed:  make(chan error, 1),
		metrics: newServerMetrics(10),
	}

	for _, option := range options {
		option(server)
	}

	return server
}

func (s *Server) newGortsplibServer() *gortsplib.Server {
	return &gortsplib.Server{
		Handler:           s,
		RTSPAddress:       s.config.RTSPAddress(),
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		WriteQueueSize:    s.config.WriteQueueSize,
		UDPRTPAddress:     s.config.UDPRTPAddress,
		UDPRTCPAddress:    s.config.UDPRTCPAddress,
		MulticastIPRange:  s.config.MulticastIPRange,
		MulticastRTPPort:  s.config.MulticastRTPPort,
		MulticastRTCPPort: s.config.MulticastRTCPPort,
	}
}

// Run serves the mounts until ctx is cancelled or the server cannot be
// started. All media are closed before it returns.
func (s *Server) Run(ctx context.Context) error {
	s.mux.Lock()
	if s.running {
		s.mux.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.mux.Unlock()

	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(2)
	go s.connectionRoutine(ctx2)
	go s.cleanupRoutine(ctx2)

	if s.config.MetricsPrintInterval > 0 {
		s.wg.Add(1)
		go s.printMetrics(ctx2)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-s.failed:
	}

	s.logger.Info().Msg("Stopping RTSP server.")

	cancel()
	s.wg.Wait()
	s.mounts.Close()

	s.metrics.Reset()
	s.metrics.SetState(ServerDownState)
	s.logger.Info().Msg("RTSP server stopped")

	return err
}

// Ready is closed once the server accepts connections for the first time.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

func (s *Server) Config() *ServerConfig {
	return s.config
}

func (s *Server) Mounts() *mount.Mounts {
	return s.mounts
}

func (s *Server) connectionRoutine(ctx context.Context) {
	defer s.wg.Done()

	attempt := 0
	currentDelay := s.config.ReServerDelay
	maxAttempts := s.config.ReServeAttempts

	for {
		s.metrics.SetState(ServerSettingUp)
		s.logger.Info().Str("address", s.config.RTSPAddress()).Msg("Attempting to start the RTSP server")

		err := s.serve(ctx)
		if ctx.Err() != nil {
			s.logger.Debug().Msg("RTSP server connection manager stopping due to context cancellation")
			s.metrics.SetState(ServerDownState)
			return
		}

		s.metrics.SetState(ServerErrorState)
		s.metrics.AddError(err)
		s.logger.Error().Err(err).Msg("RTSP server failed")

		if maxAttempts == 0 {
			s.logger.Warn().Msg("No retries configured, stopping server start attempts")
			s.fail(err)
			return
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			s.logger.Warn().Int("attempts", maxAttempts).Msg("Maximum retry attempts reached, stopping")
			s.fail(err)
			return
		}

		s.logger.Info().Dur("delay", currentDelay).Int("attempt", attempt+1).Msg("Retrying RTSP server start")
		select {
		case <-ctx.Done():
			s.metrics.SetState(ServerDownState)
			return
		case <-time.After(currentDelay):
		}

		currentDelay = time.Duration(float64(currentDelay) * 1.5)
		if currentDelay > 30*time.Second {
			currentDelay = 30 * time.Second
		}

		attempt++
	}
}

// serve runs one gortsplib server until it fails or ctx is cancelled.
func (s *Server) serve(ctx context.Context) error {
	server := s.newGortsplibServer()

	// handlers may run as soon as Start listens
	s.mux.Lock()
	s.server = server
	s.mux.Unlock()

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start rtsp server on %s: %w", s.config.RTSPAddress(), err)
	}

	s.metrics.SetState(ServerUpState)
	s.logger.Info().Str("address", s.config.RTSPAddress()).Strs("mounts", s.mounts.Paths()).Msg("RTSP server attached")

	select {
	case <-s.ready:
	default:
		close(s.ready)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- server.Wait()
	}()

	select {
	case <-ctx.Done():
		s.mounts.Close()
		server.Close()
		<-waitErr
		return nil

	case err := <-waitErr:
		s.mounts.Close()
		return err
	}
}

// rtspServer is the gortsplib server of the current serve attempt.
func (s *Server) rtspServer() *gortsplib.Server {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.server
}

func (s *Server) fail(err error) {
	s.metrics.SetState(ServerDownState)
	select {
	case s.failed <- err:
	default:
	}
}

func (s *Server) cleanupRoutine(ctx context.Context) {
	defer s.wg.Done()

	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.cleanupIdleMedia(now)
		}
	}
}

// cleanupIdleMedia stops media that went without readers for longer than
// IdleMediaTimeout. This covers clients that DESCRIBE and never SETUP.
func (s *Server) cleanupIdleMedia(now time.Time) {
	if s.config.IdleMediaTimeout <= 0 {
		return
	}

	for path, f := range s.mounts.Factories() {
		for _, m := range f.AllMedia() {
			if idle := m.IdleFor(now); idle > s.config.IdleMediaTimeout {
				s.logger.Info().Str("mount", path).Str("media", m.ID.String()).Dur("idle", idle).Msg("closing idle media")
				m.Stop()
			}
		}
	}
}

func (s *Server) printMetrics(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsPrintInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.printDetailedMetrics()
		}
	}
}

func (s *Server) printDetailedMetrics() {
	status := s.Status()

	event := s.logger.Info().
		Stringer("state", status.State).
		Uint64("connections", status.TotalConnections).
		Uint64("sessions", status.ActiveSessions).
		Dur("uptime", status.Uptime.Round(time.Second)).
		Strs("recent_errors", status.RecentErrors)

	mounts := zerolog.Dict()
	for _, m := range status.Mounts {
		readers := 0
		for _, media := range m.Media {
			readers += media.Readers
		}
		mounts.Dict(m.Path, zerolog.Dict().Int("media", len(m.Media)).Int("readers", readers))
	}

	event.Dict("mounts", mounts).Msg("RTSP server metrics")
}

func (s *Server) validateConnection(remoteAddr string, total uint64) error {
	if s.config.AllowLocalOnly && !isLocalhost(remoteAddr) {
		return fmt.Errorf("only localhost connections allowed")
	}

	if s.config.MaxClients > 0 && total > uint64(s.config.MaxClients) {
		return fmt.Errorf("maximum client limit reached")
	}

	return nil
}

// OnConnOpen is called when a client completes the TCP handshake.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	remote := ctx.Conn.NetConn().RemoteAddr().String()

	// counted before validation, OnConnClose runs for rejected connections too
	total := s.metrics.IncrementTotalConnections()
	if err := s.validateConnection(remote, total); err != nil {
		s.logger.Warn().Err(err).Str("remote", remote).Msg("connection rejected")
		s.metrics.AddError(err)
		ctx.Conn.Close()
		return
	}

	s.logger.Debug().Str("remote", remote).Uint64("total", total).Msg("connection opened")
}

// OnConnClose stops the media the connection described but never set up.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.metrics.DecrementTotalConnections()

	s.mux.Lock()
	parked := s.parked[ctx.Conn]
	delete(s.parked, ctx.Conn)
	s.mux.Unlock()

	for _, p := range parked {
		p.media.Stop()
	}

	s.logger.Debug().Err(ctx.Error).Stringer("remote", ctx.Conn.NetConn().RemoteAddr()).Msg("connection closed")
}

// OnSessionOpen is called after OnConnOpen and indicates RTSP session start.
func (s *Server) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	remote := ctx.Conn.NetConn().RemoteAddr().String()

	session := &clientSession{
		ID:         uuid.New(),
		RemoteAddr: remote,
		IsLocal:    isLocalhost(remote),
		ConnTime:   time.Now(),
	}
	ctx.Session.SetUserData(session)
	s.metrics.IncrementActiveSessions()

	s.logger.Debug().Str("session", session.ID.String()).Str("remote", remote).Msg("session opened")
}

// OnSessionClose detaches the session from its media.
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.metrics.DecrementActiveSessions()

	session, ok := ctx.Session.UserData().(*clientSession)
	if !ok {
		return
	}

	if session.media != nil {
		session.media.RemoveReader(ctx.Session)
	}

	s.logger.Debug().Err(ctx.Error).Str("session", session.ID.String()).Str("mount", session.mount).Msg("session closed")
}

func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	url := ctx.Request.URL.String()
	s.logger.Debug().Str("path", ctx.Path).Stringer("remote", ctx.Conn.NetConn().RemoteAddr()).Msg("describe request")

	f, path, ok := s.mounts.Match(ctx.Path)
	if !ok {
		s.logger.Warn().Str("path", ctx.Path).Msg("no mount for path")
		return &base.Response{
			StatusCode: base.StatusNotFound,
		}, nil, nil
	}

	m, err := f.Media(s.rtspServer(), url)
	if err != nil {
		s.metrics.AddError(err)
		return &base.Response{
			StatusCode: base.StatusInternalServerError,
		}, nil, nil
	}

	if !m.Shared() {
		s.mux.Lock()
		s.parked[ctx.Conn] = append(s.parked[ctx.Conn], parkedMedia{mount: path, media: m})
		s.mux.Unlock()
	}

	return &base.Response{
		StatusCode: base.StatusOK,
	}, m.Stream(), nil
}

func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	s.logger.Debug().Str("path", ctx.Path).Stringer("remote", ctx.Conn.NetConn().RemoteAddr()).Msg("setup request")

	session, ok := ctx.Session.UserData().(*clientSession)
	if !ok {
		return &base.Response{
			StatusCode: base.StatusInternalServerError,
		}, nil, nil
	}

	f, path, ok := s.mounts.Match(ctx.Path)
	if !ok {
		return &base.Response{
			StatusCode: base.StatusNotFound,
		}, nil, nil
	}

	if session.media != nil {
		if session.mount != path {
			return &base.Response{
				StatusCode: base.StatusBadRequest,
			}, nil, nil
		}
		return &base.Response{
			StatusCode: base.StatusOK,
		}, session.media.Stream(), nil
	}

	m := s.claim(ctx.Conn, path)
	if m == nil {
		var err error
		if m, err = f.Media(s.rtspServer(), ctx.Request.URL.String()); err != nil {
			s.metrics.AddError(err)
			return &base.Response{
				StatusCode: base.StatusInternalServerError,
			}, nil, nil
		}
	}

	if err := m.AddReader(ctx.Session); err != nil {
		s.logger.Warn().Err(err).Str("mount", path).Msg("media stopped before setup")
		return &base.Response{
			StatusCode: base.StatusServiceUnavailable,
		}, nil, nil
	}

	session.mount = path
	session.media = m
	s.logger.Info().Str("session", session.ID.String()).Str("mount", path).Str("media", m.ID.String()).Msg("client added to media")

	return &base.Response{
		StatusCode: base.StatusOK,
	}, m.Stream(), nil
}

// claim takes the oldest media parked by the connection for a mount.
func (s *Server) claim(conn *gortsplib.ServerConn, path string) *factory.Media {
	s.mux.Lock()
	defer s.mux.Unlock()

	parked := s.parked[conn]
	for i, p := range parked {
		if p.mount != path {
			continue
		}

		s.parked[conn] = append(parked[:i], parked[i+1:]...)
		if len(s.parked[conn]) == 0 {
			delete(s.parked, conn)
		}
		return p.media
	}

	return nil
}

func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.logger.Debug().Str("path", ctx.Path).Stringer("remote", ctx.Conn.NetConn().RemoteAddr()).Msg("play request")

	return &base.Response{
		StatusCode: base.StatusOK,
	}, nil
}
