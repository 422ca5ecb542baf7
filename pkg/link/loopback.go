// Package link provides concrete rdt.LinkPort implementations. None of them
// perform real radio bring-up; they are reference and test adapters for the
// transport above them.
package link

import (
	"math/rand"
	"sync"

	"github.com/kestrel-link/rdt/pkg/rdt"
)

// Loopback is an in-memory LinkPort pair useful for unit tests.
// NewLoopbackPair constructs two ends that deliver to each other, optionally
// dropping frames so RDT's retry/NACK logic can be exercised
// deterministically. Frames are always delivered in send order.
type Loopback struct {
	mu       sync.Mutex
	peer     *Loopback
	receiver func(frame []byte)

	// dropPlan, when non-empty, is consumed (FIFO) once per Send: a true
	// entry drops that frame instead of delivering it.
	dropPlan []bool

	// dropMatch, when set, drops the next dropMatchLeft frames for which it
	// returns true; frames it doesn't match always go through.
	dropMatch     func(p rdt.Packet) bool
	dropMatchLeft int
}

// NewLoopbackPair returns two ends of an in-memory link, each other's peer.
func NewLoopbackPair() (a, b *Loopback) {
	a = &Loopback{}
	b = &Loopback{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) RegisterReceiver(fn func(frame []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiver = fn
}

// Send delivers frame to the peer's registered receiver, synchronously.
// Best-effort per the LinkPort contract: a nil peer receiver silently
// discards the frame, matching a real radio with nobody listening.
func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	drop := false
	if len(l.dropPlan) > 0 {
		drop = l.dropPlan[0]
		l.dropPlan = l.dropPlan[1:]
	}
	if !drop && l.dropMatch != nil && l.dropMatchLeft > 0 {
		if p, err := rdt.Decode(frame); err == nil && l.dropMatch(p) {
			drop = true
			l.dropMatchLeft--
			if l.dropMatchLeft == 0 {
				l.dropMatch = nil
			}
		}
	}
	peer := l.peer
	l.mu.Unlock()

	if drop || peer == nil {
		return nil
	}

	peer.mu.Lock()
	receiver := peer.receiver
	peer.mu.Unlock()

	if receiver != nil {
		buf := make([]byte, len(frame))
		copy(buf, frame)
		receiver(buf)
	}
	return nil
}

// DropNext schedules the next n Sends from this end to be silently
// discarded, simulating lossy-link behavior for tests.
func (l *Loopback) DropNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.dropPlan = append(l.dropPlan, true)
	}
}

// DropMatching drops the next `times` frames for which pred returns true;
// non-matching frames are never affected, so callers can target a specific
// service code or sequence number regardless of what else is in flight.
func (l *Loopback) DropMatching(times int, pred func(p rdt.Packet) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropMatch = pred
	l.dropMatchLeft = times
}

// DropRandom drops each subsequent Send independently with probability p,
// for count sends.
func (l *Loopback) DropRandom(count int, p float64, rng *rand.Rand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < count; i++ {
		l.dropPlan = append(l.dropPlan, rng.Float64() < p)
	}
}
