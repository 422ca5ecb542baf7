// Package files implements the file access service: LIST/READ/WRITE command
// dispatch correlated by request_id, backed by producer callbacks. Files
// are opened lazily per request and positioned by the caller-supplied
// offset on every transfer rather than an implicit cursor.
package files

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kestrel-link/rdt/pkg/broker"
	"github.com/kestrel-link/rdt/pkg/rdt"
)

// Wire commands for the file header.
const (
	CmdList      uint8 = 1
	CmdListResp  uint8 = 2
	CmdRead      uint8 = 3
	CmdReadResp  uint8 = 4
	CmdWrite     uint8 = 5
	CmdWriteResp uint8 = 6
)

// Return codes.
const (
	CodeOK             uint8 = 0
	CodeUnknownCommand uint8 = 1
	CodeFileNotFound   uint8 = 2
	CodeIOError        uint8 = 3
	CodeOversized      uint8 = 4
	CodeInternal       uint8 = 5
)

// AppendOffset is the sentinel write offset meaning "append".
const AppendOffset uint32 = 0xFFFFFFFF

const headerSize = 16 // command,return_code,request_id(2),offset(4),data_length(4),path_length,reserved(3)

// MaxPayload bounds a single READ/WRITE/LIST data segment.
const MaxPayload = 4096

// DirEntry is one entry of a LIST response segment.
type DirEntry struct {
	Name  string
	Size  uint32
	IsDir bool
}

// Handle is a producer-owned open file, positioned by absolute offset on
// every call rather than holding an implicit cursor, matching the
// offset-carrying wire header.
type Handle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	Close() error
}

// Producer is the filesystem-shaped collaborator the service drives,
// typically backed by an OsProducer or a test fake. OS-level file I/O stays
// behind this boundary.
type Producer interface {
	Open(path string, write bool) (Handle, error)
	// List returns up to MaxPayload worth of entries starting at offset
	// (an entry index, not a byte offset), the offset to resume from, and
	// whether this was the final segment.
	List(path string, offset int) (entries []DirEntry, nextOffset int, done bool, err error)
}

// header is the decoded file wire header.
type header struct {
	command      uint8
	returnCode   uint8
	requestID    uint16
	offset       uint32
	dataLength   uint32
	pathLength   uint8
}

// encodeHeader writes h.dataLength verbatim into the wire field: for
// READ requests it's the number of bytes requested (no data bytes actually
// follow); for everything else it equals len(data), the attached payload.
func encodeHeader(h header, path string, data []byte) []byte {
	buf := make([]byte, headerSize+len(path)+len(data))
	buf[0] = h.command
	buf[1] = h.returnCode
	buf[2] = byte(h.requestID)
	buf[3] = byte(h.requestID >> 8)
	buf[4] = byte(h.offset)
	buf[5] = byte(h.offset >> 8)
	buf[6] = byte(h.offset >> 16)
	buf[7] = byte(h.offset >> 24)
	buf[8] = byte(h.dataLength)
	buf[9] = byte(h.dataLength >> 8)
	buf[10] = byte(h.dataLength >> 16)
	buf[11] = byte(h.dataLength >> 24)
	buf[12] = byte(len(path))
	copy(buf[headerSize:], path)
	copy(buf[headerSize+len(path):], data)
	return buf
}

// decodeHeader recovers the header, path, and whatever data bytes actually
// follow it. The trailing byte count is authoritative, not the dataLength
// field: READ requests carry a requested-length in that field with no data
// attached, and RDT's block delivery already gives the exact byte count.
func decodeHeader(block []byte) (header, string, []byte, error) {
	if len(block) < headerSize {
		return header{}, "", nil, fmt.Errorf("file header too short: %d bytes", len(block))
	}
	h := header{
		command:    block[0],
		returnCode: block[1],
		requestID:  uint16(block[2]) | uint16(block[3])<<8,
		offset:     uint32(block[4]) | uint32(block[5])<<8 | uint32(block[6])<<16 | uint32(block[7])<<24,
		dataLength: uint32(block[8]) | uint32(block[9])<<8 | uint32(block[10])<<16 | uint32(block[11])<<24,
		pathLength: block[12],
	}
	rest := block[headerSize:]
	if int(h.pathLength) > len(rest) {
		return header{}, "", nil, fmt.Errorf("file header path_length overruns block")
	}
	path := string(rest[:h.pathLength])
	data := rest[h.pathLength:]
	return h, path, data, nil
}

// Service binds a Producer to one RDT channel (conventionally channel 3).
type Service struct {
	engine   *rdt.Engine
	broker   *broker.Broker
	channel  uint8
	producer Producer

	mu  sync.Mutex
	seq *broker.RequestIDSequence
}

// New builds a Service. producer may be nil if this side only issues
// requests and never serves them.
func New(engine *rdt.Engine, b *broker.Broker, channel uint8, producer Producer) *Service {
	return &Service{
		engine:   engine,
		broker:   b,
		channel:  channel,
		producer: producer,
		seq:      broker.NewRequestIDSequence(),
	}
}

// Run drains the channel's delivery signal until stop is closed.
func (s *Service) Run(stop <-chan struct{}) error {
	sig, unsub, err := s.engine.Subscribe(s.channel)
	if err != nil {
		return err
	}
	defer unsub()

	for {
		select {
		case <-stop:
			return nil
		case <-sig:
			s.drain()
		}
	}
}

func (s *Service) drain() {
	for {
		block, ok := s.engine.DequeueReceived(s.channel)
		if !ok {
			return
		}
		s.handleInbound(block)
	}
}

func (s *Service) handleInbound(block []byte) {
	h, path, data, err := decodeHeader(block)
	if err != nil {
		log.WithField("component", "files").Warnf("dropping malformed file frame: %v", err)
		return
	}

	switch h.command {
	case CmdListResp, CmdReadResp, CmdWriteResp:
		s.broker.Deliver(s.channel, uint32(h.requestID), h.returnCode, responsePayload(h.command, data))
	case CmdList:
		s.serveList(h, path)
	case CmdRead:
		s.serveRead(h, path)
	case CmdWrite:
		s.serveWrite(h, path, data)
	default:
		s.reply(CmdWriteResp, h.requestID, CodeUnknownCommand, 0, nil)
	}
}

// responsePayload is what Read/List callers see in their response buffer:
// for READ_RESP it's the file bytes; for LIST_RESP it's the encoded
// directory segment; WRITE_RESP carries none.
func responsePayload(command uint8, data []byte) []byte {
	switch command {
	case CmdReadResp, CmdListResp:
		return data
	default:
		return nil
	}
}

func (s *Service) reply(command uint8, requestID uint16, code uint8, offset uint32, data []byte) {
	h := header{command: command, returnCode: code, requestID: requestID, offset: offset, dataLength: uint32(len(data))}
	block := encodeHeader(h, "", data)
	if err := s.engine.SubmitBlock(s.channel, block); err != nil {
		log.WithFields(log.Fields{"component": "files", "request_id": requestID}).
			Debugf("replying to file request: %v", err)
	}
}

func (s *Service) serveRead(h header, path string) {
	if s.producer == nil {
		s.reply(CmdReadResp, h.requestID, CodeInternal, 0, nil)
		return
	}
	handle, err := s.producer.Open(path, false)
	if err != nil {
		s.reply(CmdReadResp, h.requestID, CodeFileNotFound, 0, nil)
		return
	}
	defer handle.Close()

	want := h.dataLength
	if want > MaxPayload {
		want = MaxPayload
	}
	buf := make([]byte, want)
	n, err := handle.ReadAt(buf, int64(h.offset))
	if err != nil && n == 0 {
		s.reply(CmdReadResp, h.requestID, CodeIOError, h.offset, nil)
		return
	}
	s.reply(CmdReadResp, h.requestID, CodeOK, h.offset, buf[:n])
}

func (s *Service) serveWrite(h header, path string, data []byte) {
	if len(data) > MaxPayload {
		s.reply(CmdWriteResp, h.requestID, CodeOversized, h.offset, nil)
		return
	}
	if s.producer == nil {
		s.reply(CmdWriteResp, h.requestID, CodeInternal, h.offset, nil)
		return
	}
	handle, err := s.producer.Open(path, true)
	if err != nil {
		s.reply(CmdWriteResp, h.requestID, CodeFileNotFound, h.offset, nil)
		return
	}
	defer handle.Close()

	offset := int64(h.offset)
	if h.offset == AppendOffset {
		size, err := handle.Size()
		if err != nil {
			s.reply(CmdWriteResp, h.requestID, CodeIOError, h.offset, nil)
			return
		}
		offset = size
	}
	if _, err := handle.WriteAt(data, offset); err != nil {
		s.reply(CmdWriteResp, h.requestID, CodeIOError, h.offset, nil)
		return
	}
	s.reply(CmdWriteResp, h.requestID, CodeOK, h.offset, nil)
}

func (s *Service) serveList(h header, path string) {
	if s.producer == nil {
		s.reply(CmdListResp, h.requestID, CodeInternal, 0, nil)
		return
	}
	entries, next, done, err := s.producer.List(path, int(h.offset))
	if err != nil {
		s.reply(CmdListResp, h.requestID, CodeFileNotFound, 0, nil)
		return
	}
	// The broker only correlates return_code and data back to the caller
	// (not the header's offset field), so the resume cursor travels as a
	// 4-byte LE prefix inside the data payload itself: 0xFFFFFFFF means this
	// was the final segment, otherwise it's the next entry index to request.
	cursor := uint32(next)
	if done {
		cursor = AppendOffset
	}
	data := append(encodeCursor(cursor), encodeDirEntries(entries)...)
	s.reply(CmdListResp, h.requestID, CodeOK, 0, data)
}

func encodeCursor(cursor uint32) []byte {
	return []byte{byte(cursor), byte(cursor >> 8), byte(cursor >> 16), byte(cursor >> 24)}
}

func decodeCursor(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("truncated list cursor")
	}
	cursor := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return cursor, data[4:], nil
}

func encodeDirEntries(entries []DirEntry) []byte {
	var buf []byte
	for _, e := range entries {
		nameLen := len(e.Name)
		if nameLen > 255 {
			nameLen = 255
		}
		rec := make([]byte, 1+nameLen+4+1)
		rec[0] = byte(nameLen)
		copy(rec[1:], e.Name[:nameLen])
		rec[1+nameLen] = byte(e.Size)
		rec[1+nameLen+1] = byte(e.Size >> 8)
		rec[1+nameLen+2] = byte(e.Size >> 16)
		rec[1+nameLen+3] = byte(e.Size >> 24)
		isDir := byte(0)
		if e.IsDir {
			isDir = 1
		}
		rec[1+nameLen+4] = isDir
		buf = append(buf, rec...)
	}
	return buf
}

// DecodeDirEntries parses a LIST_RESP segment's data back into entries,
// the client-side counterpart of encodeDirEntries.
func DecodeDirEntries(data []byte) ([]DirEntry, error) {
	var entries []DirEntry
	for len(data) > 0 {
		if len(data) < 1 {
			return nil, fmt.Errorf("truncated directory entry")
		}
		nameLen := int(data[0])
		if len(data) < 1+nameLen+5 {
			return nil, fmt.Errorf("truncated directory entry")
		}
		name := string(data[1 : 1+nameLen])
		size := uint32(data[1+nameLen]) | uint32(data[1+nameLen+1])<<8 | uint32(data[1+nameLen+2])<<16 | uint32(data[1+nameLen+3])<<24
		isDir := data[1+nameLen+4] != 0
		entries = append(entries, DirEntry{Name: name, Size: size, IsDir: isDir})
		data = data[1+nameLen+5:]
	}
	return entries, nil
}

// Read issues a blocking READ for up to len(into) bytes of path starting at
// offset, returning the bytes actually read.
func (s *Service) Read(path string, offset uint32, into []byte, timeout time.Duration) (int, uint8, broker.Outcome) {
	id := s.nextID()
	req := encodeHeader(header{command: CmdRead, requestID: id, offset: offset, dataLength: uint32(len(into))}, path, nil)
	result := s.broker.Request(s.channel, uint32(id), req, into, timeout)
	if result.Outcome != broker.OutcomeOK {
		return 0, 0, result.Outcome
	}
	return result.BytesWritten, result.ReturnCode, broker.OutcomeOK
}

// Write issues a blocking WRITE of data to path at offset (AppendOffset to
// append).
func (s *Service) Write(path string, offset uint32, data []byte, timeout time.Duration) (uint8, broker.Outcome) {
	id := s.nextID()
	req := encodeHeader(header{command: CmdWrite, requestID: id, offset: offset, dataLength: uint32(len(data))}, path, data)
	result := s.broker.Request(s.channel, uint32(id), req, nil, timeout)
	return result.ReturnCode, result.Outcome
}

// List issues a blocking LIST of path, resuming from offset (an entry
// index). done reports whether this was the final segment.
func (s *Service) List(path string, offset int, timeout time.Duration) (entries []DirEntry, nextOffset int, done bool, code uint8, outcome broker.Outcome) {
	id := s.nextID()
	req := encodeHeader(header{command: CmdList, requestID: id, offset: uint32(offset)}, path, nil)
	respBuf := make([]byte, MaxPayload)
	result := s.broker.Request(s.channel, uint32(id), req, respBuf, timeout)
	if result.Outcome != broker.OutcomeOK {
		return nil, 0, false, 0, result.Outcome
	}
	if result.ReturnCode != CodeOK {
		return nil, 0, false, result.ReturnCode, broker.OutcomeOK
	}
	cursor, rest, err := decodeCursor(respBuf[:result.BytesWritten])
	if err != nil {
		return nil, 0, false, CodeInternal, broker.OutcomeOK
	}
	entries, err = DecodeDirEntries(rest)
	if err != nil {
		return nil, 0, false, CodeInternal, broker.OutcomeOK
	}
	done = cursor == AppendOffset
	if !done {
		nextOffset = int(cursor)
	}
	return entries, nextOffset, done, CodeOK, broker.OutcomeOK
}

func (s *Service) nextID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Next()
}
