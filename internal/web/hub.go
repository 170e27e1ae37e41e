// Package web exposes the receiver over HTTP: a WebSocket stream of decoder
// events and a small JSON API to inspect and control the listen session.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/observe"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/spectrum"
	"github.com/MrWong99/phoneear/pkg/types"
)

const (
	// clientBuffer is the number of outgoing messages queued per client.
	clientBuffer = 64

	// spectrumHeadroom queue slots are kept free of spectrum frames so that
	// state, symbol and message events still fit behind a backlog of them.
	spectrumHeadroom = 16

	writeTimeout = 5 * time.Second
)

// Wire messages. Every message carries a "type" discriminator.
type (
	stateMsg struct {
		Type  string `json:"type"`
		State string `json:"state"`
	}
	symbolMsg struct {
		Type   string `json:"type"`
		Symbol string `json:"symbol"`
	}
	messageMsg struct {
		Type  string    `json:"type"`
		Coded string    `json:"coded"`
		Text  string    `json:"text"`
		At    time.Time `json:"at"`
	}
	errorMsg struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	toneLevel struct {
		Role      string  `json:"role"`
		Frequency float64 `json:"frequency_hz"`
		DB        float64 `json:"db"`
	}
	spectrumMsg struct {
		Type       string      `json:"type"`
		BaselineDB float64     `json:"baseline_db"`
		Tones      []toneLevel `json:"tones"`
	}
)

type client struct {
	send chan []byte

	// evicted is closed when the hub drops the client for falling behind.
	evicted chan struct{}
}

func newClient() *client {
	return &client{
		send:    make(chan []byte, clientBuffer),
		evicted: make(chan struct{}),
	}
}

// Hub fans driver events out to connected WebSocket clients. It implements
// [driver.Consumer]; callbacks only marshal and enqueue, so a slow client
// never stalls the driver.
//
// Spectrum frames are lossy: a client whose queue is nearly full skips them.
// Every other event is delivered in order or not at all, so a client that
// cannot take one is disconnected instead of silently missing it.
type Hub struct {
	pal     *palette.Palette
	metrics *observe.Metrics
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
}

var _ driver.Consumer = (*Hub)(nil)

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithOriginPatterns allows cross-origin WebSocket connections from browsers
// whose Origin host matches one of patterns (path.Match syntax, e.g.
// "dashboard.example.com" or "*.lan"). Same-origin and non-browser clients
// are always accepted.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) {
		h.origins = append(h.origins, patterns...)
	}
}

// NewHub creates a hub that reports spectra as the tone levels of pal. A nil
// metrics uses [observe.DefaultMetrics].
func NewHub(pal *palette.Palette, metrics *observe.Metrics, opts ...HubOption) *Hub {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	h := &Hub{pal: pal, metrics: metrics, clients: make(map[*client]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) OnSpectrum(frame spectrum.Frame) {
	if h.pal == nil {
		return
	}
	msg := spectrumMsg{Type: types.EventSpectrum.String(), BaselineDB: h.pal.Baseline(frame)}
	for r := range palette.Role(palette.NumRoles) {
		msg.Tones = append(msg.Tones, toneLevel{
			Role:      r.String(),
			Frequency: h.pal.Frequency(r),
			DB:        h.pal.MagnitudeOf(r, frame),
		})
	}
	h.broadcast(types.EventSpectrum, msg)
}

func (h *Hub) OnStateChanged(state types.State) {
	h.broadcast(types.EventStateChanged, stateMsg{Type: types.EventStateChanged.String(), State: state.String()})
}

func (h *Hub) OnSymbolAppended(symbol rune) {
	h.broadcast(types.EventSymbolAppended, symbolMsg{Type: types.EventSymbolAppended.String(), Symbol: string(symbol)})
}

func (h *Hub) OnMessageFinalized(m types.Message) {
	h.broadcast(types.EventMessageFinalized, messageMsg{
		Type:  types.EventMessageFinalized.String(),
		Coded: m.Coded,
		Text:  m.Text,
		At:    m.At,
	})
}

func (h *Hub) OnError(err error) {
	h.broadcast(types.EventError, errorMsg{Type: types.EventError.String(), Error: err.Error()})
}

func (h *Hub) broadcast(kind types.EventKind, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("web: marshal event", "kind", kind.String(), "err", err)
		return
	}
	ctx := context.Background()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if kind == types.EventSpectrum && len(c.send) >= clientBuffer-spectrumHeadroom {
			h.metrics.RecordDroppedEvent(ctx, kind.String())
			continue
		}
		select {
		case c.send <- data:
		default:
			h.metrics.RecordDroppedEvent(ctx, kind.String())
			h.evictLocked(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamClients.Add(context.Background(), 1)
}

// remove unregisters c. It is a no-op when c was already evicted.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.StreamClients.Add(context.Background(), -1)
	}
}

// evictLocked unregisters c and signals its writer to close the connection.
// h.mu must be held.
func (h *Hub) evictLocked(c *client) {
	delete(h.clients, c)
	close(c.evicted)
	h.metrics.StreamClients.Add(context.Background(), -1)
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Warn("web: websocket accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	c := newClient()
	h.add(c)
	defer h.remove(c)

	// Clients only listen; CloseRead handles control frames and reports
	// disconnects through ctx.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx)
	log.Debug("web: stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			log.Debug("web: stream client gone", "remote", r.RemoteAddr)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-c.evicted:
			log.Warn("web: stream client too slow, disconnecting", "remote", r.RemoteAddr)
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("web: stream write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}
