package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/agentconsole/internal/clock"
)

// Handler receives decoded events for one subscription.
type Handler func(Event)

// Subscriber is the part of Hub that consumers depend on.
type Subscriber interface {
	Subscribe(url string, h Handler) *Subscription
}

// HubOptions configures a Hub. Zero values fall back to defaults.
type HubOptions struct {
	Transport      Transport
	Clock          clock.Clock
	Logger         *slog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Hub multiplexes subscribers onto one Connection per endpoint URL. The
// connection exists while at least one subscriber for its URL is registered.
type Hub struct {
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	initial   time.Duration
	max       time.Duration

	mu        sync.Mutex
	endpoints map[string]*endpoint
	nextID    uint64
	closed    bool
}

type endpoint struct {
	url  string
	conn *Connection
	subs map[uint64]*Subscription
	// order keeps fan-out in registration order.
	order []uint64

	deliverMu sync.Mutex
}

// NewHub builds a Hub.
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		transport: opts.Transport,
		clock:     opts.Clock,
		logger:    opts.Logger,
		initial:   opts.InitialBackoff,
		max:       opts.MaxBackoff,
		endpoints: make(map[string]*endpoint),
	}
	if h.transport == nil {
		h.transport = NewAutoTransport(nil, nil)
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.initial <= 0 {
		h.initial = DefaultInitialBackoff
	}
	if h.max <= 0 {
		h.max = DefaultMaxBackoff
	}
	if h.max < h.initial {
		h.max = h.initial
	}
	return h
}

// Subscribe registers h for events from url, opening the connection if this
// is the first subscriber. Events pushed before Subscribe returns may or may
// not be delivered; every event delivered after it returns is.
func (h *Hub) Subscribe(url string, handler Handler) *Subscription {
	sub := &Subscription{hub: h}
	sub.SetHandler(handler)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return sub
	}

	ep := h.endpointLocked(url)
	h.nextID++
	sub.id = h.nextID
	sub.ep = ep
	sub.active.Store(true)
	ep.subs[sub.id] = sub
	ep.order = append(ep.order, sub.id)

	ep.conn.connect()
	return sub
}

func (h *Hub) endpointLocked(url string) *endpoint {
	if ep, ok := h.endpoints[url]; ok {
		return ep
	}
	ep := &endpoint{url: url, subs: make(map[uint64]*Subscription)}
	ep.conn = &Connection{
		url:       url,
		transport: h.transport,
		clock:     h.clock,
		logger:    h.logger.With("component", "stream"),
		initial:   h.initial,
		max:       h.max,
		deliver:   func(gen uint64, ev Event) { h.deliver(ep, gen, ev) },
		retry:     func(tok uint64) { h.retry(ep, tok) },
	}
	h.endpoints[url] = ep
	return ep
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep := sub.ep
	if ep == nil {
		return
	}
	delete(ep.subs, sub.id)
	for i, id := range ep.order {
		if id == sub.id {
			ep.order = append(ep.order[:i], ep.order[i+1:]...)
			break
		}
	}
	if len(ep.subs) == 0 {
		ep.conn.disconnect()
	}
}

// deliver fans ev out to every active subscription. Deliveries for one
// endpoint are serialized so subscribers observe the same order. Frames read
// by a replaced connection are dropped.
func (h *Hub) deliver(ep *endpoint, gen uint64, ev Event) {
	ep.deliverMu.Lock()
	defer ep.deliverMu.Unlock()

	h.mu.Lock()
	if !ep.conn.current(gen) {
		h.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(ep.order))
	for _, id := range ep.order {
		targets = append(targets, ep.subs[id])
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.invoke(ev)
	}
}

func (h *Hub) retry(ep *endpoint, tok uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !ep.conn.claimRetry(tok) {
		return
	}
	if h.closed || len(ep.subs) == 0 {
		h.logger.Debug("reconnect abandoned, no subscribers", "url", ep.url)
		return
	}
	ep.conn.connect()
}

// Close unsubscribes everyone and tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, ep := range h.endpoints {
		for _, sub := range ep.subs {
			sub.active.Store(false)
		}
		ep.subs = make(map[uint64]*Subscription)
		ep.order = nil
		ep.conn.disconnect()
	}
}

// Subscribers returns the number of registered subscriptions for url.
func (h *Hub) Subscribers(url string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[url]; ok {
		return len(ep.subs)
	}
	return 0
}

// State returns the connection state for url.
func (h *Hub) State(url string) ConnectionState {
	h.mu.Lock()
	ep, ok := h.endpoints[url]
	h.mu.Unlock()
	if !ok {
		return ConnectionState{}
	}
	return ep.conn.State()
}

// Subscription is a handle returned by Hub.Subscribe.
type Subscription struct {
	hub     *Hub
	ep      *endpoint
	id      uint64
	handler atomic.Pointer[Handler]
	active  atomic.Bool
}

// SetHandler replaces the handler. Later deliveries use the new handler.
func (s *Subscription) SetHandler(h Handler) {
	s.handler.Store(&h)
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Unsubscribe stops delivery. Calling it more than once is a no-op; the
// connection is closed when the last subscriber for its URL leaves.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.hub.unsubscribe(s)
}

func (s *Subscription) invoke(ev Event) {
	if s == nil || !s.active.Load() {
		return
	}
	h := s.handler.Load()
	if h == nil || *h == nil {
		return
	}
	(*h)(ev)
}
