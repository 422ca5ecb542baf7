// Package params implements the parameter registry: a lookup table mapping
// a message_type to an optional read and an optional write callback, with
// GET/SET/RESP wire framing dispatched over a single RDT channel.
package params

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kestrel-link/rdt/pkg/broker"
	"github.com/kestrel-link/rdt/pkg/rdt"
)

// Wire opcodes for the parameter header.
const (
	OpGet  uint8 = 0
	OpSet  uint8 = 1
	OpResp uint8 = 2
)

// Return codes.
const (
	CodeOK                 uint8 = 0
	CodeUnknownMessageType uint8 = 1
	CodeNoReader           uint8 = 2
	CodeNoWriter           uint8 = 3
)

// MaxPayload bounds a single parameter's data.
const MaxPayload = 8 * 1024

const headerSize = 3 // message_type(1) + op(1) + return_code(1)

// ReadFunc fills buf and reports how much it wrote and a return code.
type ReadFunc func(buf []byte) (n int, code uint8)

// WriteFunc accepts data and reports a return code.
type WriteFunc func(data []byte) (code uint8)

// Descriptor is a message_type's registered behavior; either field may be
// nil when that direction isn't supported for this message_type.
type Descriptor struct {
	Read  ReadFunc
	Write WriteFunc
}

// Registry owns one RDT channel's worth of parameter traffic: it answers
// inbound GET/SET requests from its descriptor table and correlates inbound
// RESP frames for its own outstanding Get/Set calls, via a shared Broker.
type Registry struct {
	engine  *rdt.Engine
	broker  *broker.Broker
	channel uint8

	mu          sync.RWMutex
	descriptors map[uint8]Descriptor
}

// New builds a Registry bound to channel (conventionally rdt channel 2).
func New(engine *rdt.Engine, b *broker.Broker, channel uint8) *Registry {
	return &Registry{
		engine:      engine,
		broker:      b,
		channel:     channel,
		descriptors: make(map[uint8]Descriptor),
	}
}

// Register binds messageType to a Descriptor, replacing any prior binding.
func (r *Registry) Register(messageType uint8, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[messageType] = d
}

// Run drains the channel's delivery signal until ctx-equivalent shutdown via
// stop; call it from its own goroutine. Every inbound block is either a
// GET/SET request (answered from the descriptor table) or a RESP (handed to
// the broker for correlation with an outstanding Get/Set call).
func (r *Registry) Run(stop <-chan struct{}) error {
	sig, unsub, err := r.engine.Subscribe(r.channel)
	if err != nil {
		return err
	}
	defer unsub()

	for {
		select {
		case <-stop:
			return nil
		case <-sig:
			r.drain()
		}
	}
}

func (r *Registry) drain() {
	for {
		block, ok := r.engine.DequeueReceived(r.channel)
		if !ok {
			return
		}
		r.handleInbound(block)
	}
}

func (r *Registry) handleInbound(block []byte) {
	messageType, op, returnCode, err := decodeHeader(block)
	if err != nil {
		log.WithField("component", "params").Warnf("dropping malformed parameter frame: %v", err)
		return
	}
	data := block[headerSize:]

	switch op {
	case OpResp:
		r.broker.Deliver(r.channel, uint32(messageType), returnCode, data)
	case OpGet:
		r.replyGet(messageType)
	case OpSet:
		r.replySet(messageType, data)
	default:
		log.WithFields(log.Fields{"component": "params", "op": op}).Warn("unknown parameter opcode")
	}
}

func (r *Registry) replyGet(messageType uint8) {
	r.mu.RLock()
	d, found := r.descriptors[messageType]
	r.mu.RUnlock()

	var code uint8
	var data []byte
	switch {
	case !found:
		code = CodeUnknownMessageType
	case d.Read == nil:
		code = CodeNoReader
	default:
		buf := make([]byte, MaxPayload)
		n, c := d.Read(buf)
		code = c
		data = buf[:n]
	}
	r.respond(messageType, code, data)
}

func (r *Registry) replySet(messageType uint8, data []byte) {
	r.mu.RLock()
	d, found := r.descriptors[messageType]
	r.mu.RUnlock()

	var code uint8
	switch {
	case !found:
		code = CodeUnknownMessageType
	case d.Write == nil:
		code = CodeNoWriter
	default:
		code = d.Write(data)
	}
	// SET responses carry no data by convention.
	r.respond(messageType, code, nil)
}

func (r *Registry) respond(messageType uint8, code uint8, data []byte) {
	block := encodeHeader(messageType, OpResp, code)
	block = append(block, data...)
	if err := r.engine.SubmitBlock(r.channel, block); err != nil {
		log.WithFields(log.Fields{"component": "params", "message_type": messageType}).
			Debugf("replying to parameter request: %v", err)
	}
}

// Get issues a blocking GET for messageType.
func (r *Registry) Get(messageType uint8, timeout time.Duration) ([]byte, uint8, broker.Outcome) {
	req := encodeHeader(messageType, OpGet, 0)
	respBuf := make([]byte, MaxPayload)
	result := r.broker.Request(r.channel, uint32(messageType), req, respBuf, timeout)
	if result.Outcome != broker.OutcomeOK {
		return nil, 0, result.Outcome
	}
	return respBuf[:result.BytesWritten], result.ReturnCode, broker.OutcomeOK
}

// Set issues a blocking SET for messageType with data.
func (r *Registry) Set(messageType uint8, data []byte, timeout time.Duration) (uint8, broker.Outcome) {
	req := append(encodeHeader(messageType, OpSet, 0), data...)
	result := r.broker.Request(r.channel, uint32(messageType), req, nil, timeout)
	return result.ReturnCode, result.Outcome
}

func encodeHeader(messageType, op, returnCode uint8) []byte {
	return []byte{messageType, op, returnCode}
}

func decodeHeader(block []byte) (messageType, op, returnCode uint8, err error) {
	if len(block) < headerSize {
		return 0, 0, 0, fmt.Errorf("parameter header too short: %d bytes", len(block))
	}
	return block[0], block[1], block[2], nil
}
