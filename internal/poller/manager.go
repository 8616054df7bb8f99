package poller

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Manager keeps at most one active loop per payment id.
type Manager struct {
	checker Checker
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	loops  map[string]*Loop
	closed bool
}

func NewManager(checker Checker, opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		checker: checker,
		opts:    opts,
		log:     log,
		loops:   make(map[string]*Loop),
	}
}

// Start begins polling paymentID. If a loop for the same payment is still
// active it is returned unchanged and cb is ignored.
func (m *Manager) Start(ctx context.Context, paymentID, orderID string, cb Callbacks) (*Loop, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrStopped
	}
	if l, ok := m.loops[paymentID]; ok && !l.State().Final() {
		m.mu.Unlock()
		return l, false, nil
	}
	l := NewLoop(paymentID, orderID, m.checker, m.opts, cb, m.log)
	l.onExit = m.remove
	m.loops[paymentID] = l
	m.mu.Unlock()

	l.Start(ctx)
	return l, true, nil
}

func (m *Manager) remove(l *Loop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.loops[l.paymentID]; ok && cur == l {
		delete(m.loops, l.paymentID)
	}
}

func (m *Manager) Active(paymentID string) (*Loop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loops[paymentID]
	return l, ok
}

// Stop cancels the loop for paymentID.
func (m *Manager) Stop(paymentID string) bool {
	l, ok := m.Active(paymentID)
	if !ok {
		return false
	}
	return l.Stop()
}

// Cancel stops every loop polling on behalf of orderID and returns how many
// were cancelled.
func (m *Manager) Cancel(orderID string) int {
	m.mu.Lock()
	var targets []*Loop
	for _, l := range m.loops {
		if l.orderID == orderID {
			targets = append(targets, l)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, l := range targets {
		if l.Stop() {
			n++
		}
	}
	return n
}

// StopAll cancels every loop and waits for them to exit. Later calls to
// Start fail with ErrStopped.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	loops := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	for _, l := range loops {
		l.Stop()
	}
	for _, l := range loops {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
