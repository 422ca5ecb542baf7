// Package rdt implements the Reliable Datagram Transport: a multi-channel,
// segmented, CRC-checked, retry/NACK/ASK block protocol carrying
// arbitrary-sized blocks across a fixed-MTU, lossy, best-effort link.
package rdt

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Engine is the single owned state machine driving every channel over one
// LinkPort. All state mutation is serialized under engine.mu; constructing
// more than one Engine over the same LinkPort is the caller's mistake to
// avoid.
type Engine struct {
	cfg  Config
	link LinkPort

	dispatcher *Dispatcher

	mu       sync.Mutex
	channels [MaxChannels]*channel
	observer Observer

	closed chan struct{}
	once   sync.Once
}

// NewEngine constructs an Engine over link, ready to Run once started.
func NewEngine(link LinkPort, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:        cfg,
		link:       link,
		dispatcher: newDispatcher(cfg.EventQueueDepth),
		observer:   noopObserver{},
		closed:     make(chan struct{}),
	}
	for i := range e.channels {
		e.channels[i] = newChannel(uint8(i), cfg.QueueDepth, cfg.MaxBlockSize[i])
	}
	link.RegisterReceiver(e.dispatcher.OnFrame)
	return e
}

// Subscribe registers for "block available" wakeups on a channel.
func (e *Engine) Subscribe(ch uint8) (<-chan struct{}, func(), error) {
	return e.dispatcher.Subscribe(ch)
}

// SubmitBlock enqueues a block for transmission on ch. It fails fast
// (bounded wait, never indefinite) if the tx_queue is full, and rejects
// blocks the wire format cannot express.
func (e *Engine) SubmitBlock(ch uint8, block []byte) error {
	if int(ch) >= MaxChannels {
		return ErrChannelOutOfRange
	}
	if len(block) == 0 {
		return ErrEmptyBlock
	}
	c := e.channels[ch]
	if len(block) > c.maxBlockSize {
		return ErrBlockTooLarge
	}
	if totalPackets(uint32(len(block))) >= nackTerminator {
		return ErrTooManyPackets
	}
	select {
	case <-e.closed:
		return ErrEngineClosed
	default:
	}
	timer := time.NewTimer(e.cfg.SubmitWait)
	defer timer.Stop()
	select {
	case c.txQueue <- block:
		return nil
	case <-timer.C:
		return ErrTxQueueFull
	case <-e.closed:
		return ErrEngineClosed
	}
}

// DequeueReceived returns the next reassembled block on ch, if any, without
// blocking.
func (e *Engine) DequeueReceived(ch uint8) ([]byte, bool) {
	if int(ch) >= MaxChannels {
		return nil, false
	}
	select {
	case b := <-e.channels[ch].rxQueue:
		return b, true
	default:
		return nil, false
	}
}

// Close stops accepting new submissions. Run returns once its context is
// cancelled; Close only unblocks callers parked in SubmitBlock.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.closed) })
}

// Run drives the engine loop until ctx is cancelled: drain one inbound
// frame (or time out after TickInterval so timers stay live), then sweep
// every channel's transmit state machine regardless of whether an event
// arrived.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-e.dispatcher.events:
			e.handleInbound(raw)
		case <-ticker.C:
		}
		e.transmitSweep(time.Now())
	}
}

// handleInbound verifies and routes one inbound frame. CRC failures and
// length mismatches are silently dropped; the transmit side's retry logic
// is what recovers the loss.
func (e *Engine) handleInbound(raw []byte) {
	p, err := Decode(raw)
	if err != nil {
		e.observer.ObserveFrameDropped()
		return
	}
	if int(p.Channel) >= MaxChannels {
		e.observer.ObserveFrameDropped()
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer.ObservePacketReceived(p.Channel, p.Service)
	c := e.channels[p.Channel]

	switch p.Service {
	case ServiceBegin, ServiceData, ServiceEnd:
		e.stepReceive(c, p)
	case ServiceAsk:
		e.handleAsk(c)
	case ServiceNack:
		e.observer.ObserveNackReceived(p.Channel)
		e.handleNack(c, p)
	}
}

// --- receive state machine ---

func (e *Engine) stepReceive(c *channel, p Packet) {
	switch p.Service {
	case ServiceBegin:
		e.rxBegin(c, p)
	case ServiceData:
		e.rxData(c, p)
	case ServiceEnd:
		e.rxEnd(c, p)
	}
}

func (e *Engine) rxBegin(c *channel, p Packet) {
	if c.rx != nil {
		log.WithField("channel", c.index).Debug("rdt: BEGIN supersedes incomplete rx, discarding prior buffer")
	}
	size := decodeBeginPayload(p.Payload)
	if int(size) > c.maxBlockSize {
		size = uint32(c.maxBlockSize)
	}
	tp := totalPackets(size)
	rx := &receiving{
		totalSize:      size,
		totalPackets:   tp,
		buffer:         make([]byte, size),
		receivedMap:    make([]bool, tp),
		lastPacketTime: time.Now(),
	}
	rx.receivedMap[0] = true
	rx.packetsReceived = 1
	c.rx = rx
}

func (e *Engine) rxData(c *channel, p Packet) {
	if c.rx == nil {
		return // DATA before any BEGIN is ignored
	}
	rx := c.rx
	seq := int(p.Seq)
	if seq < 1 || seq > rx.totalPackets-2 {
		return
	}
	if rx.receivedMap[seq] {
		return // duplicate: idempotent no-op
	}
	rx.receivedMap[seq] = true
	rx.packetsReceived++
	off := (seq - 1) * PayloadLen
	if off >= int(rx.totalSize) {
		rx.lastPacketTime = time.Now()
		return // offset beyond total_size clips to zero-length write
	}
	n := PayloadLen
	if off+n > int(rx.totalSize) {
		n = int(rx.totalSize) - off
	}
	copy(rx.buffer[off:off+n], p.Payload[:n])
	rx.lastPacketTime = time.Now()
}

func (e *Engine) rxEnd(c *channel, p Packet) {
	if c.rx == nil {
		return
	}
	rx := c.rx
	seq := int(p.Seq)
	if seq != rx.totalPackets-1 {
		return // invalid END, ignored
	}
	if !rx.receivedMap[seq] {
		rx.receivedMap[seq] = true
		rx.packetsReceived++
	}
	rx.lastPacketTime = time.Now()

	if rx.packetsReceived == rx.totalPackets {
		e.sendControl(c.index, 0, ServiceAsk)
		select {
		case c.rxQueue <- rx.buffer:
			e.dispatcher.notify(c.index)
		default:
			e.observer.ObserveBlockDropped(c.index)
			log.WithField("channel", c.index).Warn("rdt: rx_queue full, dropping reassembled block")
		}
		c.rx = nil
		return
	}

	missing := missingSeqs(rx.receivedMap)
	e.observer.ObserveNackSent(c.index)
	e.sendNack(c.index, missing)
}

func missingSeqs(receivedMap []bool) []uint16 {
	var missing []uint16
	for i, ok := range receivedMap {
		if !ok {
			missing = append(missing, uint16(i))
		}
	}
	return missing
}

// --- transmit state machine ---

func (e *Engine) transmitSweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.channels {
		e.stepTransmit(c, now)
	}
}

func (e *Engine) stepTransmit(c *channel, now time.Time) {
	if c.tx == nil {
		e.txStart(c, now)
		return
	}
	ts := c.tx
	if now.Sub(ts.lastSendTime) > e.cfg.AckTimeout {
		e.txTimeout(c, now)
		return
	}
	for ts.nextSeq < ts.totalPackets && !ts.sentMap[ts.nextSeq] {
		e.txSendSeq(c, ts.nextSeq)
		ts.sentMap[ts.nextSeq] = true
		ts.nextSeq++
	}
}

func (e *Engine) txStart(c *channel, now time.Time) {
	select {
	case block := <-c.txQueue:
		tp := totalPackets(uint32(len(block)))
		ts := &sending{
			currentSize:  uint32(len(block)),
			totalPackets: tp,
			buffer:       block,
			sentMap:      make([]bool, tp),
			lastSendTime: now,
		}
		c.tx = ts
		e.sendControl(c.index, 0, ServiceBegin, withBeginSize(ts.currentSize))
		ts.sentMap[0] = true
		ts.nextSeq = 1
	default:
	}
}

func (e *Engine) txTimeout(c *channel, now time.Time) {
	ts := c.tx
	ts.retryCount++
	if ts.retryCount >= e.cfg.MaxRetry {
		e.observer.ObserveTransmitAbandoned(c.index)
		log.WithField("channel", c.index).Warn("rdt: max retries exceeded, abandoning transmit")
		c.tx = nil
		return
	}
	e.observer.ObserveRetry(c.index)
	for i := range ts.sentMap {
		ts.sentMap[i] = false
	}
	e.sendControl(c.index, 0, ServiceBegin, withBeginSize(ts.currentSize))
	ts.sentMap[0] = true
	ts.nextSeq = 1
	ts.lastSendTime = now
}

// txSendSeq sends the frame for seq in an in-progress transmission: BEGIN
// for 0, END for the last sequence, DATA otherwise.
func (e *Engine) txSendSeq(c *channel, seq int) {
	ts := c.tx
	switch {
	case seq == 0:
		e.sendControl(c.index, 0, ServiceBegin, withBeginSize(ts.currentSize))
	case seq == ts.totalPackets-1:
		e.sendControl(c.index, uint16(seq), ServiceEnd)
	default:
		off := (seq - 1) * PayloadLen
		end := off + PayloadLen
		if end > len(ts.buffer) {
			end = len(ts.buffer)
		}
		var payload [PayloadLen]byte
		copy(payload[:], ts.buffer[off:end])
		e.sendData(c.index, uint16(seq), payload)
	}
}

func (e *Engine) handleAsk(c *channel) {
	if c.tx == nil {
		return
	}
	c.tx = nil
}

func (e *Engine) handleNack(c *channel, p Packet) {
	if c.tx == nil {
		return
	}
	ts := c.tx
	for _, seq := range decodeNackPayload(p.Payload) {
		if int(seq) >= ts.totalPackets {
			continue
		}
		e.txSendSeq(c, int(seq))
	}
	// nextSeq and lastSendTime are deliberately left untouched: a NACK
	// services the gap list without restarting the retry clock.
}

// --- frame assembly helpers ---

type beginOpt func(*[PayloadLen]byte)

func withBeginSize(size uint32) beginOpt {
	return func(payload *[PayloadLen]byte) {
		*payload = encodeBeginPayload(size)
	}
}

func (e *Engine) sendControl(ch uint8, seq uint16, svc ServiceCode, opts ...beginOpt) {
	var payload [PayloadLen]byte
	for _, opt := range opts {
		opt(&payload)
	}
	e.send(ch, seq, svc, payload)
}

func (e *Engine) sendData(ch uint8, seq uint16, payload [PayloadLen]byte) {
	e.send(ch, seq, ServiceData, payload)
}

func (e *Engine) sendNack(ch uint8, missing []uint16) {
	e.send(ch, 0, ServiceNack, encodeNackPayload(missing))
}

func (e *Engine) send(ch uint8, seq uint16, svc ServiceCode, payload [PayloadLen]byte) {
	p := Packet{Channel: ch, Seq: seq, Service: svc, Payload: payload}
	e.observer.ObservePacketSent(ch, svc)
	if err := e.link.Send(p.Encode()); err != nil {
		log.WithFields(log.Fields{"channel": ch, "service": svc, "seq": seq}).
			Debugf("rdt: link send failed: %v", err)
	}
}
