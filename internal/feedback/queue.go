package feedback

import "sync"

// signalQueue is an unbounded FIFO for many producers and one consumer.
// notify holds at most one pending wake-up.
type signalQueue struct {
	mu     sync.Mutex
	items  []Signal
	notify chan struct{}
}

func newSignalQueue() *signalQueue {
	return &signalQueue{notify: make(chan struct{}, 1)}
}

func (q *signalQueue) push(s Signal) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes up to n signals from the front.
func (q *signalQueue) pop(n int) []Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n = min(n, len(q.items))
	batch := append([]Signal(nil), q.items[:n]...)
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return batch
}

func (q *signalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
