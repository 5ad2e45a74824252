package application

import (
	"context"
	"sync"
	"time"
)

const (
	minRestartBackoff = 5 * time.Second
	maxRestartBackoff = 5 * time.Minute
)

// watchersMap tracks the running watchers by payment uuid.
type watchersMap struct {
	lock     *sync.RWMutex
	watchers map[string]context.CancelFunc
}

func newWatchersMap() *watchersMap {
	return &watchersMap{&sync.RWMutex{}, make(map[string]context.CancelFunc)}
}

// add returns false if a watcher for the payment is already running.
func (m *watchersMap) add(uuid string, cancel context.CancelFunc) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.watchers[uuid]; ok {
		return false
	}
	m.watchers[uuid] = cancel
	return true
}

func (m *watchersMap) remove(uuid string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.watchers, uuid)
}

func (m *watchersMap) has(uuid string) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	_, ok := m.watchers[uuid]
	return ok
}

func (m *watchersMap) len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return len(m.watchers)
}

func (m *watchersMap) cancelAll() {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, cancel := range m.watchers {
		cancel()
	}
}

// restartBackoff returns the delay before restarting a watcher. A watcher that
// reconciled at least once was healthy, so the backoff starts over.
func restartBackoff(current time.Duration, progressed bool) time.Duration {
	if progressed {
		return minRestartBackoff
	}
	return nextBackoff(current)
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return minRestartBackoff
	}
	next := current * 2
	if next > maxRestartBackoff {
		return maxRestartBackoff
	}
	return next
}
