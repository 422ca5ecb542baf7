// Package broker turns rdt.Engine's one-way block delivery into blocking
// request/response calls: single-flight per channel, correlated by either a
// message-type or a request-id, bounded by a caller-supplied timeout.
package broker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kestrel-link/rdt/pkg/rdt"
)

// Outcome is the broker's typed result for a blocking request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeBusy
	OutcomeSendFailed
	OutcomeNotInitialized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeBusy:
		return "busy"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomeNotInitialized:
		return "not_initialized"
	default:
		return "unknown"
	}
}

// Result is returned by Request.
type Result struct {
	Outcome      Outcome
	BytesWritten int
	ReturnCode   uint8
}

type response struct {
	code uint8
	data []byte
}

type pending struct {
	key  uint32
	done chan response
}

// slot is the per-channel request-in-flight tracker: sem is the exclusive
// lock a caller holds for the duration of one Request; mu separately guards
// current, which Deliver reads from the engine's goroutine concurrently
// with Request's own release of the slot.
type slot struct {
	sem chan struct{} // capacity 1: per-channel exclusive lock

	mu      sync.Mutex
	current *pending
}

func (s *slot) setCurrent(p *pending) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

func (s *slot) getCurrent() *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// DefaultAcquireWait bounds how long Request waits for the per-channel slot
// before returning Busy, rather than blocking indefinitely.
const DefaultAcquireWait = 20 * time.Millisecond

// Observer receives one outcome count per completed Request, the hook
// pkg/metrics wires to its broker-outcomes counter.
type Observer interface {
	ObserveBrokerOutcome(channel uint8, outcome Outcome)
}

type noopObserver struct{}

func (noopObserver) ObserveBrokerOutcome(uint8, Outcome) {}

// Broker serializes request/response exchanges per rdt.Engine channel.
type Broker struct {
	engine      *rdt.Engine
	acquireWait time.Duration
	slots       [rdt.MaxChannels]*slot
	observer    Observer
}

// SetObserver installs o as the broker's metrics sink; nil restores the
// no-op default.
func (b *Broker) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	b.observer = o
}

// New wraps engine. acquireWait overrides DefaultAcquireWait when non-zero.
func New(engine *rdt.Engine, acquireWait time.Duration) *Broker {
	if acquireWait <= 0 {
		acquireWait = DefaultAcquireWait
	}
	b := &Broker{engine: engine, acquireWait: acquireWait, observer: noopObserver{}}
	for i := range b.slots {
		s := &slot{sem: make(chan struct{}, 1)}
		s.sem <- struct{}{}
		b.slots[i] = s
	}
	return b
}

// Request sends payload on channel, correlated by key, and blocks until a
// matching response arrives, timeout elapses, or the channel is already in
// use. respBuf receives the response data, truncated to its capacity;
// Result.BytesWritten reports how much was actually copied.
func (b *Broker) Request(channel uint8, key uint32, payload []byte, respBuf []byte, timeout time.Duration) Result {
	if int(channel) >= rdt.MaxChannels {
		return Result{Outcome: OutcomeNotInitialized}
	}
	s := b.slots[channel]

	select {
	case <-s.sem:
	case <-time.After(b.acquireWait):
		b.observer.ObserveBrokerOutcome(channel, OutcomeBusy)
		return Result{Outcome: OutcomeBusy}
	}

	p := &pending{key: key, done: make(chan response, 1)}
	s.setCurrent(p)

	release := func() {
		s.setCurrent(nil)
		s.sem <- struct{}{}
	}

	if err := b.engine.SubmitBlock(channel, payload); err != nil {
		log.WithFields(log.Fields{"channel": channel, "key": key}).
			Debugf("broker: submit failed: %v", err)
		release()
		b.observer.ObserveBrokerOutcome(channel, OutcomeSendFailed)
		return Result{Outcome: OutcomeSendFailed}
	}

	select {
	case resp := <-p.done:
		release()
		n := copy(respBuf, resp.data)
		b.observer.ObserveBrokerOutcome(channel, OutcomeOK)
		return Result{Outcome: OutcomeOK, BytesWritten: n, ReturnCode: resp.code}
	case <-time.After(timeout):
		release()
		b.observer.ObserveBrokerOutcome(channel, OutcomeTimeout)
		return Result{Outcome: OutcomeTimeout}
	}
}

// Deliver hands a response block to the broker for correlation. It returns
// false (and drops the response) if channel has no outstanding request or
// key doesn't match the one in flight: a late response matching a freed
// correlation key is silently dropped, never copied into the caller's
// buffer.
func (b *Broker) Deliver(channel uint8, key uint32, returnCode uint8, data []byte) bool {
	if int(channel) >= rdt.MaxChannels {
		return false
	}
	s := b.slots[channel]
	p := s.getCurrent()
	if p == nil || p.key != key {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case p.done <- response{code: returnCode, data: cp}:
		return true
	default:
		// already delivered or timed out concurrently
		return false
	}
}

// RequestIDSequence yields request ids in a monotonically increasing,
// wrap-to-1 (never 0) sequence, for protocols whose command codes alone
// don't distinguish concurrent requests.
type RequestIDSequence struct {
	next uint16
}

// NewRequestIDSequence starts the sequence at 1.
func NewRequestIDSequence() *RequestIDSequence {
	return &RequestIDSequence{next: 1}
}

func (s *RequestIDSequence) Next() uint16 {
	id := s.next
	if id == 0 {
		id = 1
	}
	s.next = id + 1
	if s.next == 0 {
		s.next = 1
	}
	return id
}
