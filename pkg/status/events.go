package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/harshabose/camserver/pkg/factory"
)

type eventClient struct {
	send chan []byte
	// closed when the hub drops the client for falling behind
	dropped chan struct{}
	once    sync.Once
}

func (c *eventClient) drop() {
	c.once.Do(func() {
		close(c.dropped)
	})
}

// Hub fans factory events out to websocket clients.
type Hub struct {
	clients map[*eventClient]struct{}
	buffer  int
	logger  zerolog.Logger
	mux     sync.RWMutex
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}

	return &Hub{
		clients: make(map[*eventClient]struct{}),
		buffer:  buffer,
		logger:  logger,
	}
}

// Publish has the factory.Observer signature. Clients whose queue is full are
// dropped instead of blocking the factory.
func (h *Hub) Publish(event factory.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mux.RLock()
	defer h.mux.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn().Msg("event client too slow, dropping")
			c.drop()
		}
	}
}

func (h *Hub) Clients() int {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return len(h.clients)
}

func (h *Hub) add() *eventClient {
	c := &eventClient{
		send:    make(chan []byte, h.buffer),
		dropped: make(chan struct{}),
	}

	h.mux.Lock()
	h.clients[c] = struct{}{}
	h.mux.Unlock()

	return c
}

func (h *Hub) remove(c *eventClient) {
	h.mux.Lock()
	delete(h.clients, c)
	h.mux.Unlock()
}

// serve streams events to one websocket until either side goes away.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	c := h.add()
	defer h.remove(c)

	// events only flow one way, reads just detect the close
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.dropped:
			return conn.Close(websocket.StatusPolicyViolation, "too slow")

		case msg := <-c.send:
			if err := write(ctx, conn, msg, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, msg)
}
