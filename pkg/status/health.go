package status

import (
	"sync"
	"time"

	"github.com/harshabose/camserver/pkg/factory"
)

type ServerState string

const (
	ServerDown ServerState = "SERVER_OFFLINE"
	ServerUp   ServerState = "SERVER_ONLINE"
)

// Failure is a pipeline or status server error kept for /internal/status.
type Failure struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// health is what the status server saw itself: its state, failed pipelines
// reported on the event feed, and its own request errors.
type health struct {
	state    ServerState
	since    time.Time
	failures []Failure
	limit    int
	events   map[factory.EventType]uint64
	mux      sync.RWMutex
}

type healthSnapshot struct {
	State        ServerState                  `json:"state"`
	Since        time.Time                    `json:"since"`
	RecentErrors []Failure                    `json:"recent_errors"`
	Events       map[factory.EventType]uint64 `json:"events"`
}

func newHealth(limit int) *health {
	return &health{
		state:    ServerDown,
		since:    time.Now(),
		failures: make([]Failure, 0, limit),
		limit:    limit,
		events:   make(map[factory.EventType]uint64),
	}
}

func (h *health) SetState(state ServerState) {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.state != state {
		h.state, h.since = state, time.Now()
	}
}

func (h *health) GetState() ServerState {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return h.state
}

func (h *health) addFailure(f Failure) {
	h.mux.Lock()
	defer h.mux.Unlock()

	if len(h.failures) >= h.limit {
		h.failures = h.failures[1:]
	}
	h.failures = append(h.failures, f)
}

// AddError records an error of the status server itself.
func (h *health) AddError(msg string) {
	h.addFailure(Failure{Time: time.Now(), Source: "status", Message: msg})
}

// observe counts the event and keeps its error, if any.
func (h *health) observe(event factory.Event) {
	h.mux.Lock()
	h.events[event.Type]++
	h.mux.Unlock()

	if event.Error == "" {
		return
	}

	source := event.URL
	if source == "" {
		source = event.Launch
	}
	h.addFailure(Failure{Time: event.Time, Source: source, Message: event.Error})
}

func (h *health) snapshot() healthSnapshot {
	h.mux.RLock()
	defer h.mux.RUnlock()

	events := make(map[factory.EventType]uint64, len(h.events))
	for t, n := range h.events {
		events[t] = n
	}

	return healthSnapshot{
		State:        h.state,
		Since:        h.since,
		RecentErrors: append([]Failure{}, h.failures...),
		Events:       events,
	}
}
