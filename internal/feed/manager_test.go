package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livebus/internal/metrics"
	"livebus/internal/motion"
	"livebus/internal/tracker"
	"livebus/internal/wire"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newStore() *tracker.Store {
	return tracker.NewStore(motion.DefaultParams(), 0)
}

type countingMetrics struct {
	mu                         sync.Mutex
	frames, attempts, disconns int
	malformed                  map[string]int
	records                    int
	ups                        int64
}

func (c *countingMetrics) with(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f()
}

func (c *countingMetrics) FrameReceived() { c.with(func() { c.frames++ }) }
func (c *countingMetrics) FrameMalformed(reason string) {
	c.with(func() {
		if c.malformed == nil {
			c.malformed = map[string]int{}
		}
		c.malformed[reason]++
	})
}
func (c *countingMetrics) RecordsDecodedAdd(n int)       { c.with(func() { c.records += n }) }
func (c *countingMetrics) ConnectAttempt()               { c.with(func() { c.attempts++ }) }
func (c *countingMetrics) FeedSetConnected(bool)         {}
func (c *countingMetrics) Disconnected()                 { c.with(func() { c.disconns++ }) }
func (c *countingMetrics) UpdatesPerSecondSet(ups int64) { c.with(func() { c.ups = ups }) }

func (c *countingMetrics) get(f func() int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f()
}

func TestFramesReachStore(t *testing.T) {
	frame := wire.Encode([]wire.Record{
		{ID: 7, Lat: 55.75, Lng: 37.5, Route: 3},
		{ID: 8, Lat: 55.5, Lng: 37.25, Route: 4},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"msgType":"Buses"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, frame)
		_ = conn.WriteMessage(websocket.BinaryMessage, append(wire.EncodeFloats(9, 1, 2, 3), 0x01))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store := newStore()
	cm := &countingMetrics{}
	m := NewManager(Options{URL: wsURL(srv)}, store, nil, cm)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, 2*time.Second, func() bool { return store.Len() == 3 })
	if !m.Connected() {
		t.Fatal("manager should report connected")
	}
	tr, ok := store.Get(7)
	if !ok || tr.Route != 3 || tr.TargetLat != 55.75 {
		t.Fatalf("track 7 = %+v ok=%v", tr, ok)
	}
	waitFor(t, time.Second, func() bool { return cm.get(func() int { return cm.frames }) == 3 })
	if n := cm.get(func() int { return cm.malformed["text"] }); n != 1 {
		t.Errorf("text frames = %d, want 1", n)
	}
	if n := cm.get(func() int { return cm.malformed["trailing"] }); n != 1 {
		t.Errorf("trailing frames = %d, want 1", n)
	}
	if n := cm.get(func() int { return cm.records }); n != 3 {
		t.Errorf("records = %d, want 3", n)
	}
	if store.Version() != 2 {
		t.Errorf("store version = %d, want 2 (text message must not be applied)", store.Version())
	}
}

func TestReconnectsAfterClose(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	delay := 300 * time.Millisecond
	m := NewManager(Options{URL: wsURL(srv), ReconnectDelay: delay}, newStore(), nil, nil)

	var mu sync.Mutex
	var events []bool
	var firstDrop time.Time
	m.OnConnectivity(func(c bool) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, c)
		if !c && firstDrop.IsZero() {
			firstDrop = time.Now()
		}
	})

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !firstDrop.IsZero()
	})
	time.Sleep(delay / 2)
	if m.Connected() {
		t.Fatal("connected during the reconnect gap")
	}
	waitFor(t, 2*time.Second, func() bool { return accepts.Load() >= 2 })

	mu.Lock()
	gap := time.Since(firstDrop)
	defer mu.Unlock()
	if gap < delay {
		t.Fatalf("reconnected after %v, before the %v delay", gap, delay)
	}
	for i, c := range events {
		if c != (i%2 == 0) {
			t.Fatalf("connectivity events not alternating: %v", events)
		}
	}
}

func TestDefaultReconnectDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full reconnect delay")
	}
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		conn.Close()
	}))
	defer srv.Close()

	m := NewManager(Options{URL: wsURL(srv)}, newStore(), nil, nil)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, 4*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) >= 2
	})
	mu.Lock()
	d := stamps[1].Sub(stamps[0])
	mu.Unlock()
	if d < DefaultReconnectDelay || d > DefaultReconnectDelay+time.Second {
		t.Fatalf("second attempt after %v, want about %v", d, DefaultReconnectDelay)
	}
}

func TestRetriesWhenDialFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	cm := &countingMetrics{}
	m := NewManager(Options{URL: url, ReconnectDelay: 50 * time.Millisecond}, newStore(), nil, cm)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, 2*time.Second, func() bool { return cm.get(func() int { return cm.attempts }) >= 3 })
	if m.Connected() {
		t.Fatal("connected to a closed server")
	}
}

func TestStopInterruptsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := NewManager(Options{URL: wsURL(srv)}, newStore(), nil, nil)
	m.Start(context.Background())
	waitFor(t, 2*time.Second, m.Connected)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if m.Connected() {
		t.Fatal("still connected after Stop")
	}
}

func TestUpdatesPerSecondFromFrames(t *testing.T) {
	m := NewManager(Options{}, newStore(), metrics.NewSampler(time.Second), nil)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	m.now = func() time.Time {
		tick++
		if tick <= 37 {
			return base.Add(time.Duration(tick) * 10 * time.Millisecond)
		}
		return base.Add(1500 * time.Millisecond)
	}
	frame := wire.EncodeFloats(1, 55, 37, 1)
	for i := 0; i < 38; i++ {
		m.handleMessage(websocket.BinaryMessage, frame)
	}
	if got := m.UpdatesPerSecond(); got != 37 {
		t.Fatalf("ups = %d, want 37", got)
	}
}

func TestDefaults(t *testing.T) {
	m := NewManager(Options{}, newStore(), nil, nil)
	if m.URL() != DefaultURL {
		t.Errorf("url = %q, want %q", m.URL(), DefaultURL)
	}
	if m.reconnectDelay != DefaultReconnectDelay {
		t.Errorf("reconnect delay = %v, want %v", m.reconnectDelay, DefaultReconnectDelay)
	}
	if m.Connected() {
		t.Error("new manager must start disconnected")
	}
}
