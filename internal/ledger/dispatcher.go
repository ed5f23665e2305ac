package ledger

import "sync"

// subscriberBuffer bounds a subscriber's channel; a full channel drops the
// notification instead of stalling the appending writer.
const subscriberBuffer = 64

// dispatcher is the in-process notification fan-out used by the SQLite and
// memory stores, standing in for Postgres LISTEN/NOTIFY.
type dispatcher struct {
	mu   sync.Mutex
	subs map[string]map[chan Notification]struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string]map[chan Notification]struct{})}
}

func (d *dispatcher) subscribe(algorithmID string) (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)

	d.mu.Lock()
	if d.subs[algorithmID] == nil {
		d.subs[algorithmID] = make(map[chan Notification]struct{})
	}
	d.subs[algorithmID][ch] = struct{}{}
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if set, ok := d.subs[algorithmID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(d.subs, algorithmID)
			}
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

func (d *dispatcher) publish(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.subs[n.AlgorithmID] {
		select {
		case ch <- n:
		default:
		}
	}
}

func (d *dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, set := range d.subs {
		for ch := range set {
			close(ch)
		}
		delete(d.subs, id)
	}
}
