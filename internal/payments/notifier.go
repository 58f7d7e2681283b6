package payments

import (
	"sync"

	"github.com/google/uuid"
)

// CompletionNotifier wakes callers waiting on a single transaction the moment
// settlement marks it completed. Subscriptions are one-shot: each subscriber
// receives at most one signal, and must unsubscribe when it stops waiting.
//
// A subscriber that attaches after the publish gets nothing from the channel;
// callers cover that window by re-reading the transaction status right after
// subscribing (see WaitForCompletion).
type CompletionNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[uuid.UUID]map[int]chan struct{}
}

func NewCompletionNotifier() *CompletionNotifier {
	return &CompletionNotifier{subs: make(map[uuid.UUID]map[int]chan struct{})}
}

// Subscribe registers interest in txID. The returned channel fires once; the
// cancel func is idempotent and must be called when the caller stops waiting.
func (n *CompletionNotifier) Subscribe(txID uuid.UUID) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	ch := make(chan struct{}, 1)
	if n.subs[txID] == nil {
		n.subs[txID] = make(map[int]chan struct{})
	}
	n.subs[txID][id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if m, ok := n.subs[txID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(n.subs, txID)
			}
		}
	}
	return ch, cancel
}

// Publish signals every current subscriber of txID exactly once and drops
// them. The buffered send never blocks the settlement path.
func (n *CompletionNotifier) Publish(txID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[txID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(n.subs, txID)
}

// subscriberCount is a test hook.
func (n *CompletionNotifier) subscriberCount(txID uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[txID])
}
