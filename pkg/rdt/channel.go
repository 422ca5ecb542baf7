package rdt

import "time"

// receiving holds the in-progress reassembly of one inbound block. Buffer
// ownership belongs to the engine from BEGIN until a successful END, at which
// point it transfers to the rx_queue.
type receiving struct {
	totalSize       uint32
	totalPackets    int
	buffer          []byte
	receivedMap     []bool
	packetsReceived int
	lastPacketTime  time.Time
}

// sending holds the in-progress transmission of one outbound block. Buffer
// ownership belongs to the engine from dequeue until ASK or max-retry abort.
type sending struct {
	currentSize  uint32
	totalPackets int
	buffer       []byte
	sentMap      []bool
	nextSeq      int
	retryCount   int
	lastSendTime time.Time
}

// channel is the per-channel state owned by the engine: bounded tx/rx block
// queues plus the two half-duplex reassembly/transmit state machines. The
// rx/tx state is only ever touched while the engine mutex is held; the
// queues are buffered Go channels, used by SubmitBlock and DequeueReceived
// without that mutex, so a full queue fails fast instead of blocking the
// caller indefinitely.
type channel struct {
	index uint8

	maxBlockSize int

	rxQueue chan []byte
	txQueue chan []byte

	rx *receiving
	tx *sending
}

func newChannel(index uint8, queueDepth, maxBlockSize int) *channel {
	return &channel{
		index:        index,
		maxBlockSize: maxBlockSize,
		rxQueue:      make(chan []byte, queueDepth),
		txQueue:      make(chan []byte, queueDepth),
	}
}
