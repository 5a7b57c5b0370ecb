// Package connectivity tracks online/offline state and drives sync on
// reconnect.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/diabetactic/glucotrack-core/internal/logging"
)

// Prober checks backend reachability. *remote.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Listener is invoked on every status transition.
type Listener func(online bool)

// Monitor holds the single online flag. On each offline-to-online
// transition it fires the registered listeners and the full-sync hook,
// fire-and-forget; failures are logged, never propagated. Nothing beyond
// the flag update happens on online-to-offline: in-flight operations fail
// naturally and are retried later.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	listeners []Listener
	onOnline  func(ctx context.Context)

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initiallyOnline bool) *Monitor {
	return &Monitor{
		online: initiallyOnline,
		stopCh: make(chan struct{}),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnStatusChange registers a listener for transitions.
func (m *Monitor) OnStatusChange(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetFullSyncHook registers the push-then-fetch cycle to run on reconnect.
func (m *Monitor) SetFullSyncHook(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.onOnline = fn
	m.mu.Unlock()
}

// SetOnline updates the flag and, on an offline-to-online transition,
// fires listeners and the full-sync hook.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	hook := m.onOnline
	m.mu.Unlock()

	if wasOnline == online {
		return
	}

	logging.Info("Connectivity changed",
		map[string]interface{}{"was_online": wasOnline, "online": online})

	for _, fn := range listeners {
		fn(online)
	}

	if online && hook != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Reconnect sync panicked", nil,
						map[string]interface{}{"panic": r})
				}
			}()
			hook(context.Background())
		}()
	}
}

// StartProbing polls the backend at the given interval and feeds the
// results into SetOnline. Runs until Stop or ctx cancellation.
func (m *Monitor) StartProbing(ctx context.Context, prober Prober, interval time.Duration) {
	if prober == nil || interval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, interval)
				err := prober.Ping(probeCtx)
				cancel()
				m.SetOnline(err == nil)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}
