package authenticator

import "sync"

// mailbox is a FIFO of closures consumed by a single goroutine. Every event
// source posts to it, so only the consumer ever touches flow state.
type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue []func()

	// shuttingDown rejects new posts; already queued closures still run.
	shuttingDown bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// post enqueues fn without blocking. It returns false once the mailbox is
// shutting down.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return false
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
	return true
}

// next blocks until a closure is available. It returns false when the mailbox
// is shut down and drained.
func (m *mailbox) next() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) == 0 && !m.shuttingDown {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return nil, false
	}

	fn := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return fn, true
}

func (m *mailbox) shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
