package rdt

import "errors"

// Transport-local errors: callers never see these escape the engine.
// They are exported only so the dispatcher/engine internals and their tests
// can distinguish a dropped frame from a processed one.
var (
	ErrBadFrameLength = errors.New("rdt: frame is not exactly PacketSize bytes")
	ErrCRCMismatch    = errors.New("rdt: crc mismatch")
)

// Errors returned by SubmitBlock and the channel state machines.
var (
	ErrEmptyBlock        = errors.New("rdt: block size must be 1..MaxBlockSize")
	ErrBlockTooLarge     = errors.New("rdt: block exceeds configured max block size")
	ErrTooManyPackets    = errors.New("rdt: block would require total_packets >= 0xFFFF")
	ErrChannelOutOfRange = errors.New("rdt: channel index out of range")
	ErrTxQueueFull       = errors.New("rdt: tx_queue is full")
	ErrEngineClosed      = errors.New("rdt: engine is closed")
)
