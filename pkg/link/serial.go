package link

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Sync bytes preceding every RDT frame on the wire. RDT packets are already
// fixed-size and self-checksummed (rdt.PacketSize, CRC-32 trailer), so unlike
// a general-purpose UART framer this one only needs to find the start of a
// frame; it doesn't need its own length field or header CRC.
const (
	syncByte1 = 0xA5
	syncByte2 = 0x5A
)

// SerialLink is a reference rdt.LinkPort that carries fixed-size RDT frames
// over a UART-attached radio coprocessor, framed by a two-byte sync
// preamble. It is not a normative part of RDT: real deployments may swap in
// any LinkPort that can move bytes to the single paired peer.
type SerialLink struct {
	logger *slog.Logger
	port   serial.Port

	mu       sync.Mutex
	receiver func(frame []byte)

	frameSize int
	stop      chan struct{}
	done      chan struct{}
}

// NewSerialLink opens devicePath at baud and starts the background read
// loop. frameSize is the fixed wire size of one RDT packet (rdt.PacketSize).
func NewSerialLink(devicePath string, baud int, frameSize int, logger *slog.Logger) (*SerialLink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "serial-link", "device", devicePath)

	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", devicePath, err)
	}

	s := &SerialLink{
		logger:    logger,
		port:      port,
		frameSize: frameSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *SerialLink) RegisterReceiver(fn func(frame []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = fn
}

// Send writes the sync preamble followed by the frame in a single call.
func (s *SerialLink) Send(frame []byte) error {
	buf := make([]byte, 0, 2+len(frame))
	buf = append(buf, syncByte1, syncByte2)
	buf = append(buf, frame...)
	_, err := s.port.Write(buf)
	return err
}

// Close stops the read loop and closes the underlying port.
func (s *SerialLink) Close() error {
	close(s.stop)
	<-s.done
	return s.port.Close()
}

// readLoop hunts for the two-byte sync preamble then reads exactly
// frameSize bytes, one at a time.
func (s *SerialLink) readLoop() {
	defer close(s.done)

	const (
		stateSync1 = iota
		stateSync2
		statePayload
	)

	state := stateSync1
	buf := make([]byte, 0, s.frameSize)
	one := make([]byte, 1)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := s.port.Read(one)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("serial read error", "err", err)
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}
		if n == 0 {
			continue
		}
		b := one[0]

		switch state {
		case stateSync1:
			if b == syncByte1 {
				state = stateSync2
			}
		case stateSync2:
			if b == syncByte2 {
				state = statePayload
				buf = buf[:0]
			} else if b != syncByte1 {
				state = stateSync1
			}
		case statePayload:
			buf = append(buf, b)
			if len(buf) == s.frameSize {
				s.deliver(buf)
				state = stateSync1
			}
		}
	}
}

func (s *SerialLink) deliver(frame []byte) {
	s.mu.Lock()
	receiver := s.receiver
	s.mu.Unlock()
	if receiver == nil {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	receiver(cp)
}
