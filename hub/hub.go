// Package hub fans typed events out to every connected dashboard viewer and
// owns the canonical bot status snapshot. Delivery is at-most-once: a viewer
// whose connection is gone, or whose send buffer is full, misses the event
// and recovers through the REST pull path.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paperdash/events"
	"paperdash/rate"
)

const (
	// statusInterval is the status rebroadcast tick.
	statusInterval = time.Second
	// rateLimitEvery samples rate-limit usage every Nth status tick.
	rateLimitEvery = 2
	// shutdownGrace is how long Stop waits for the shutdown frame to flush.
	shutdownGrace = 100 * time.Millisecond
	// sendBuffer is the per-client outbound queue.
	sendBuffer = 64
)

// ConfigReloader is the external collaborator behind the reload_config
// command.
type ConfigReloader interface {
	Reload(ctx context.Context) error
}

// Hub is the event broadcaster. The client registry is owned by the run
// goroutine; producers reach it only through channels.
type Hub struct {
	logger   *zap.Logger
	reloader ConfigReloader
	sampler  rate.Sampler

	status   status
	errors   errorLog
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	outbound   chan []byte
	direct     chan directMsg
	stop       chan struct{}
	stopOnce   sync.Once
	stopped    chan struct{}
}

type directMsg struct {
	to    *client
	frame []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithReloader wires the reload_config delegate.
func WithReloader(r ConfigReloader) Option {
	return func(h *Hub) { h.reloader = r }
}

// WithRateSampler wires the rate-limit usage collaborator sampled on every
// second status tick.
func WithRateSampler(s rate.Sampler) Option {
	return func(h *Hub) { h.sampler = s }
}

// New creates a hub and starts its run loop.
func New(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger: logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		outbound:   make(chan []byte, 256),
		direct:     make(chan directMsg, 64),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	clients := make(map[*client]struct{})
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	tick := 0

	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			// Late joiners get the snapshot now, not at the next tick.
			if frame, ok := h.encode(events.KindStatus, h.status.snapshot()); ok {
				c.enqueue(frame)
			}
			h.logger.Info("viewer connected", zap.String("client", c.id), zap.Int("viewers", len(clients)))

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				c.closeSend()
			}
			h.logger.Info("viewer disconnected", zap.String("client", c.id), zap.Int("viewers", len(clients)))

		case frame := <-h.outbound:
			for c := range clients {
				c.enqueue(frame)
			}

		case m := <-h.direct:
			m.to.enqueue(m.frame)

		case <-ticker.C:
			tick++
			if tick%rateLimitEvery == 0 && h.sampler != nil {
				u := h.sampler.Sample()
				usage := events.Usage{UsedWeight: u.UsedWeight, Limit: u.Limit, Percent: u.Percent()}
				h.status.setUsage(usage)
				if frame, ok := h.encode(events.KindRateLimit, usage); ok {
					for c := range clients {
						c.enqueue(frame)
					}
				}
			}
			if frame, ok := h.encode(events.KindStatus, h.status.snapshot()); ok {
				for c := range clients {
					c.enqueue(frame)
				}
			}

		case <-h.stop:
			if frame, ok := h.encode(events.KindShutdown, nil); ok {
				for c := range clients {
					c.enqueue(frame)
				}
			}
			time.Sleep(shutdownGrace)
			for c := range clients {
				c.closeSend()
				_ = c.conn.Close()
			}
			return
		}
	}
}

// Broadcast stamps and fans out one event to every connected viewer.
func (h *Hub) Broadcast(kind events.Kind, payload any) {
	frame, ok := h.encode(kind, payload)
	if !ok {
		return
	}
	select {
	case h.outbound <- frame:
	case <-h.stopped:
	}
}

func (h *Hub) encode(kind events.Kind, payload any) ([]byte, bool) {
	env, err := events.New(kind, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("kind", string(kind)), zap.Error(err))
		return nil, false
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal envelope", zap.String("kind", string(kind)), zap.Error(err))
		return nil, false
	}
	return frame, true
}

// sendTo queues a frame for a single viewer (pong, command replies).
func (h *Hub) sendTo(c *client, kind events.Kind, payload any) {
	frame, ok := h.encode(kind, payload)
	if !ok {
		return
	}
	select {
	case h.direct <- directMsg{to: c, frame: frame}:
	case <-h.stopped:
	}
}

// ServeWS upgrades an HTTP request to a viewer transport and registers it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(h, conn)
	select {
	case h.register <- c:
		go c.writePump()
		go c.readPump()
	case <-h.stopped:
		_ = conn.Close()
	}
}

// Stop broadcasts shutdown, waits a short grace for delivery, then closes
// every transport. The HTTP listener owning the /ws route is shut down by
// the server, not here.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.stopped
}

// SetRunning flips the status running flag; turning it on restarts uptime.
func (h *Hub) SetRunning(running bool) { h.status.setRunning(running) }

// SetPaperMode records whether the bot is paper trading.
func (h *Hub) SetPaperMode(on bool) { h.status.setPaperMode(on) }

// SetSymbols records the traded symbol list shown on the dashboard.
func (h *Hub) SetSymbols(symbols []string) { h.status.setSymbols(symbols) }

// Status returns the current snapshot, as served by GET /status.
func (h *Hub) Status() events.Status { return h.status.snapshot() }

// ErrorLog returns the bounded broadcast-error history.
func (h *Hub) ErrorLog() []string { return h.errors.list() }

// handleInbound dispatches one decoded viewer frame.
func (h *Hub) handleInbound(c *client, env events.Envelope) {
	switch env.Type {
	case events.KindPing:
		h.sendTo(c, events.KindPong, nil)

	case events.KindReloadConfig:
		h.Broadcast(events.KindConfigReloading, nil)
		go h.reloadConfig()

	default:
		// Decode already screens unknown kinds; this is future-proofing for
		// kinds that become known but unhandled.
		h.logger.Warn("unhandled viewer message", zap.String("kind", string(env.Type)), zap.String("client", c.id))
	}
}

func (h *Hub) reloadConfig() {
	if h.reloader == nil {
		h.BroadcastError(events.ErrConfig, "no config reloader wired", "reload_config")
		h.Broadcast(events.KindConfigReloadError, events.ConfigReload{Error: "reload not supported"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.reloader.Reload(ctx); err != nil {
		h.logger.Error("config reload failed", zap.Error(err))
		h.BroadcastError(events.ErrConfig, err.Error(), "reload_config")
		h.Broadcast(events.KindConfigReloadError, events.ConfigReload{Error: err.Error()})
		return
	}
	h.Broadcast(events.KindConfigReloadSuccess, events.ConfigReload{Success: true})
}
