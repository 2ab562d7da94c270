package core

import (
	"strings"
	"sync"
)

// MemoryTicketNotifier fans ticket resolutions out to in-process waiters.
// Channels are buffered and sends never block; a waiter that already got
// its resolution simply drops later duplicates. Waiters must subscribe
// before reading ticket state so nothing lands between read and wait.
type MemoryTicketNotifier struct {
	mu      sync.Mutex
	waiters map[string][]chan TicketResolution
}

func NewMemoryTicketNotifier() *MemoryTicketNotifier {
	return &MemoryTicketNotifier{
		waiters: make(map[string][]chan TicketResolution),
	}
}

func (n *MemoryTicketNotifier) Subscribe(ticketID string) (<-chan TicketResolution, func()) {
	ticketID = strings.TrimSpace(ticketID)
	ch := make(chan TicketResolution, 1)
	if n == nil || ticketID == "" {
		return ch, func() {}
	}

	n.mu.Lock()
	n.waiters[ticketID] = append(n.waiters[ticketID], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subscribers := n.waiters[ticketID]
		for i, subscriber := range subscribers {
			if subscriber == ch {
				n.waiters[ticketID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(n.waiters[ticketID]) == 0 {
			delete(n.waiters, ticketID)
		}
	}
	return ch, cancel
}

func (n *MemoryTicketNotifier) Publish(ticketID string, resolution TicketResolution) {
	if n == nil {
		return
	}
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return
	}

	n.mu.Lock()
	subscribers := append([]chan TicketResolution(nil), n.waiters[ticketID]...)
	n.mu.Unlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- resolution:
		default:
		}
	}
}

var _ TicketNotifier = (*MemoryTicketNotifier)(nil)
