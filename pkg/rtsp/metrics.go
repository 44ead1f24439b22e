package rtsp

import (
	"sync"
	"time"
)

type ServerState int

const (
	ServerDownState ServerState = iota
	ServerSettingUp
	ServerUpState
	ServerErrorState
)

func (s ServerState) String() string {
	switch s {
	case ServerDownState:
		return "DOWN"
	case ServerSettingUp:
		return "SETTING_UP"
	case ServerUpState:
		return "UP"
	case ServerErrorState:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ServerMetrics struct {
	State            ServerState
	TotalConnections uint64
	ActiveSessions   uint64
	RecentErrors     []string
	LastUpdate       time.Time
	StartedAt        time.Time

	maxErrorCount int
	mux           sync.RWMutex
}

func newServerMetrics(maxErrorCount int) *ServerMetrics {
	return &ServerMetrics{
		maxErrorCount: maxErrorCount,
		RecentErrors:  make([]string, 0, maxErrorCount),
	}
}

func (m *ServerMetrics) SetState(state ServerState) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.LastUpdate = time.Now()
	if state == ServerUpState && m.State != ServerUpState {
		m.StartedAt = m.LastUpdate
	}
	m.State = state
}

func (m *ServerMetrics) GetState() ServerState {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.State
}

func (m *ServerMetrics) IncrementTotalConnections() uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.LastUpdate = time.Now()
	m.TotalConnections++
	return m.TotalConnections
}

func (m *ServerMetrics) GetTotalConnections() uint64 {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.TotalConnections
}

func (m *ServerMetrics) DecrementTotalConnections() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.LastUpdate = time.Now()
	if m.TotalConnections == 0 {
		return
	}
	m.TotalConnections--
}

func (m *ServerMetrics) IncrementActiveSessions() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.LastUpdate = time.Now()
	m.ActiveSessions++
}

func (m *ServerMetrics) DecrementActiveSessions() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.LastUpdate = time.Now()
	if m.ActiveSessions == 0 {
		return
	}
	m.ActiveSessions--
}

func (m *ServerMetrics) Reset() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.LastUpdate = time.Now()
	m.TotalConnections = 0
	m.ActiveSessions = 0
}

func (m *ServerMetrics) AddError(err error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if len(m.RecentErrors) >= m.maxErrorCount {
		m.RecentErrors = m.RecentErrors[1:]
	}

	m.LastUpdate = time.Now()
	m.RecentErrors = append(m.RecentErrors, err.Error())
}

type MetricsSnapshot struct {
	State            ServerState   `json:"state"`
	TotalConnections uint64        `json:"total_connections"`
	ActiveSessions   uint64        `json:"active_sessions"`
	RecentErrors     []string      `json:"recent_errors"`
	LastUpdate       time.Time     `json:"last_update"`
	Uptime           time.Duration `json:"uptime"`
}

func (m *ServerMetrics) Snapshot() MetricsSnapshot {
	m.mux.RLock()
	defer m.mux.RUnlock()

	snapshot := MetricsSnapshot{
		State:            m.State,
		TotalConnections: m.TotalConnections,
		ActiveSessions:   m.ActiveSessions,
		RecentErrors:     append([]string{}, m.RecentErrors...),
		LastUpdate:       m.LastUpdate,
	}
	if m.State == ServerUpState {
		snapshot.Uptime = time.Since(m.StartedAt)
	}

	return snapshot
}
