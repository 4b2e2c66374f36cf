/*
Package lock provides short-lived mutual exclusion keyed by string.

PURPOSE:
  Guards booking submissions against double-clicks and retries: while a
  check-in or cancel for (student, session) is in flight, an identical
  request is answered with a Busy rejection instead of queueing.

  Locks expire after their TTL, so a crashed holder never blocks a key
  forever. Unlock only releases a lock the caller still owns.

IMPLEMENTATIONS:
  Memory: single process (tests, dev, single-instance deployments)
  Redis:  shared across instances (SET NX PX + compare-and-delete script)
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]entry
	clock func() time.Time
}

type entry struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]entry), clock: time.Now}
}

// TryLock acquires key for ttl. ok is false when another holder owns it.
func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	m.held[key] = entry{token: token, expires: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.held[key]; ok && e.token == token {
			delete(m.held, key)
		}
	}, true, nil
}
