// Package netmon tracks connectivity and notifies subscribers when it changes.
//
// The reported state is a best guess: "online" may be reported while the
// network is degraded. Delivery failures seen by the reconciler remain the
// authoritative signal for retries.
package netmon

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brightpath/fieldsync/internal/logging"
)

// Prober checks whether the remote API is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Monitor holds the current connectivity state.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a Monitor with an initial state.
func New(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline returns the current best-known connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers cb to run whenever connectivity flips and on Foreground.
// The returned func removes the subscription.
func (m *Monitor) OnChange(cb func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// SetOnline records a new state. Subscribers run only if the state flipped.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := m.snapshot()
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	notify(subs, online)
}

// Foreground is called when the app regains visibility. Connectivity may have
// changed silently in the background, so subscribers run with the current
// state even if it did not flip.
func (m *Monitor) Foreground() {
	m.mu.Lock()
	online := m.online
	subs := m.snapshot()
	m.mu.Unlock()

	logging.Debug("App foregrounded", map[string]interface{}{"online": online})
	notify(subs, online)
}

// snapshot returns subscribers in registration order. Caller holds mu.
func (m *Monitor) snapshot() []func(bool) {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(bool), len(ids))
	for i, id := range ids {
		out[i] = m.subs[id]
	}
	return out
}

func notify(subs []func(bool), online bool) {
	for _, cb := range subs {
		cb(online)
	}
}

// Start polls p every interval and feeds the result into SetOnline.
// The first probe runs immediately.
func (m *Monitor) Start(p Prober, interval time.Duration) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop(p, interval, stopCh)
}

// Stop ends polling started by Start and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) pollLoop(p Prober, interval time.Duration, stopCh chan struct{}) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, interval)
		online := p.Probe(probeCtx)
		probeCancel()

		select {
		case <-stopCh:
			return
		default:
		}
		m.SetOnline(online)

		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}
