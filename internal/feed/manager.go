// Package feed keeps the websocket to the position feed open and pushes
// every frame it receives into the bus table.
package feed

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livebus/internal/metrics"
	"livebus/internal/tracker"
	"livebus/internal/wire"
)

const (
	DefaultURL              = "ws://localhost:8000"
	DefaultReconnectDelay   = 2 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Sink receives decoded frames.
type Sink interface {
	Apply(records []wire.Record, now time.Time) tracker.Commit
}

// Metrics receives connection and frame events.
type Metrics interface {
	FrameReceived()
	FrameMalformed(reason string)
	RecordsDecodedAdd(n int)
	ConnectAttempt()
	FeedSetConnected(connected bool)
	Disconnected()
	UpdatesPerSecondSet(ups int64)
}

type Options struct {
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	LogFrames        bool
}

type Manager struct {
	url              string
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	logFrames        bool

	sink    Sink
	sampler *metrics.Sampler
	metrics Metrics
	now     func() time.Time

	connected atomic.Bool

	listenMu  sync.Mutex
	listeners []func(connected bool)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options, sink Sink, sampler *metrics.Sampler, m Metrics) *Manager {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if sampler == nil {
		sampler = metrics.NewSampler(metrics.DefaultWindow)
	}
	return &Manager{
		url:              opts.URL,
		reconnectDelay:   opts.ReconnectDelay,
		handshakeTimeout: opts.HandshakeTimeout,
		logFrames:        opts.LogFrames,
		sink:             sink,
		sampler:          sampler,
		metrics:          m,
		now:              time.Now,
	}
}

// Connected reports whether the feed socket is currently open.
func (m *Manager) Connected() bool { return m.connected.Load() }

// UpdatesPerSecond returns the last published frame rate.
func (m *Manager) UpdatesPerSecond() int64 { return m.sampler.Rate() }

// URL returns the feed endpoint.
func (m *Manager) URL() string { return m.url }

// OnConnectivity registers fn to be called on every connectivity change.
func (m *Manager) OnConnectivity(fn func(connected bool)) {
	m.listenMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenMu.Unlock()
}

// Start launches the connection loop. It keeps reconnecting after a fixed
// delay until ctx is cancelled or Stop is called. Calling Start on a
// running manager is a no-op.
func (m *Manager) Start(parent context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Stop closes the socket, abandons any pending reconnect and waits for the
// loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	// The only reconnect wait lives here, so a burst of open/close cycles
	// can never stack several pending reconnects.
	for {
		m.session(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("feed: reconnecting to %s in %s", m.url, m.reconnectDelay)
		timer := time.NewTimer(m.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads frames until the socket fails.
func (m *Manager) session(ctx context.Context) {
	id := uuid.NewString()
	if m.metrics != nil {
		m.metrics.ConnectAttempt()
	}
	dialer := websocket.Dialer{HandshakeTimeout: m.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if resp != nil {
			log.Printf("feed: dial %s failed (status %d): %v", m.url, resp.StatusCode, err)
		} else {
			log.Printf("feed: dial %s failed: %v", m.url, err)
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	log.Printf("feed: connected to %s (session %s)", m.url, id)
	m.setConnected(true)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			m.setConnected(false)
			if m.metrics != nil {
				m.metrics.Disconnected()
			}
			if ctx.Err() == nil {
				log.Printf("feed: session %s closed: %v", id, err)
			}
			return
		}
		m.handleMessage(mt, data)
	}
}

func (m *Manager) handleMessage(mt int, data []byte) {
	if m.metrics != nil {
		m.metrics.FrameReceived()
	}
	if mt != websocket.BinaryMessage {
		if m.metrics != nil {
			m.metrics.FrameMalformed("text")
		}
		if m.logFrames {
			log.Printf("feed: ignoring non-binary message (%d bytes)", len(data))
		}
		return
	}
	m.handleFrame(data)
}

func (m *Manager) handleFrame(data []byte) {
	now := m.now()
	records, err := wire.Decode(data)
	if err != nil {
		m.noteDecodeError(err, len(data))
	}
	if m.metrics != nil {
		m.metrics.RecordsDecodedAdd(len(records))
	}
	c := m.sink.Apply(records, now)
	if m.logFrames {
		log.Printf("feed: frame v%d records=%d created=%d evicted=%d", c.Version, len(records), c.Created, c.Evicted)
	}
	ups, published := m.sampler.Observe(now)
	if published && m.metrics != nil {
		m.metrics.UpdatesPerSecondSet(ups)
	}
}

func (m *Manager) noteDecodeError(err error, size int) {
	if m.metrics != nil {
		if errors.Is(err, wire.ErrTrailingBytes) {
			m.metrics.FrameMalformed("trailing")
		}
		if errors.Is(err, wire.ErrInvalidRecord) {
			m.metrics.FrameMalformed("invalid_record")
		}
	}
	if m.logFrames {
		log.Printf("feed: frame of %d bytes: %v", size, err)
	}
}

func (m *Manager) setConnected(b bool) {
	if m.connected.Swap(b) == b {
		return
	}
	if m.metrics != nil {
		m.metrics.FeedSetConnected(b)
	}
	m.listenMu.Lock()
	ls := make([]func(bool), len(m.listeners))
	copy(ls, m.listeners)
	m.listenMu.Unlock()
	for _, fn := range ls {
		fn(b)
	}
}
