package rdt

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

const defaultEventQueueDepth = 30

// Dispatcher maps link-layer receive upcalls (arriving in an interrupt-like
// context) into the engine's single event queue, and fans out per-channel
// "block available" wakeups to subscribers. It never blocks the
// upcall: a full queue drops the frame and logs a warning, relying on RDT's
// own retry/NACK logic for reliability.
type Dispatcher struct {
	events chan []byte

	mu          sync.Mutex
	subscribers [MaxChannels][]chan struct{}
	observer    Observer
}

func newDispatcher(queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = defaultEventQueueDepth
	}
	return &Dispatcher{events: make(chan []byte, queueDepth), observer: noopObserver{}}
}

// setObserver installs the metrics sink the dispatcher reports a full event
// queue to; it mirrors Engine.SetObserver so both ends of the split stay in
// sync when a caller replaces the observer after construction.
func (d *Dispatcher) setObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

// OnFrame is registered as the LinkPort's receive callback.
func (d *Dispatcher) OnFrame(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case d.events <- buf:
	default:
		d.mu.Lock()
		obs := d.observer
		d.mu.Unlock()
		obs.ObserveFrameDropped()
		log.Warn("rdt: event queue full, dropping inbound frame")
	}
}

// Subscribe registers the caller for delivery wakeups on a channel. The
// returned cancel func removes the subscription; it is safe to call more
// than once.
func (d *Dispatcher) Subscribe(ch uint8) (<-chan struct{}, func(), error) {
	if int(ch) >= MaxChannels {
		return nil, nil, ErrChannelOutOfRange
	}
	sub := make(chan struct{}, 1)
	d.mu.Lock()
	d.subscribers[ch] = append(d.subscribers[ch], sub)
	d.mu.Unlock()

	cancelled := false
	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		subs := d.subscribers[ch]
		for i, s := range subs {
			if s == sub {
				d.subscribers[ch] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return sub, cancel, nil
}

// notify wakes every subscriber of ch. Non-blocking: a subscriber that
// hasn't drained its previous wakeup just skips this one, since it will
// drain every queued block on its next pass anyway.
func (d *Dispatcher) notify(ch uint8) {
	d.mu.Lock()
	subs := append([]chan struct{}(nil), d.subscribers[ch]...)
	d.mu.Unlock()
	for _, s := range subs {
		select {
		case s <- struct{}{}:
		default:
		}
	}
}
