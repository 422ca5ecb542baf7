package files

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// OsProducer is the reference Producer, jailing every wire-supplied
// relative path to a root directory.
type OsProducer struct {
	root   string
	logger *slog.Logger
}

// NewOsProducer builds a Producer rooted at root. A nil logger falls back
// to slog.Default().
func NewOsProducer(root string, logger *slog.Logger) *OsProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OsProducer{root: root, logger: logger.With("component", "files-producer")}
}

func (p *OsProducer) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(p.root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(p.root)+string(os.PathSeparator)) && full != filepath.Clean(p.root) {
		return "", fmt.Errorf("path %q escapes root", path)
	}
	return full, nil
}

func (p *OsProducer) Open(path string, write bool) (Handle, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR | os.O_CREATE
	}
	p.logger.Info("opening file", "path", full, "write", write)
	f, err := os.OpenFile(full, flags, 0644)
	if err != nil {
		return nil, err
	}
	return &osHandle{file: f}, nil
}

func (p *OsProducer) List(path string, offset int) ([]DirEntry, int, bool, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, 0, false, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, 0, false, err
	}
	const segmentSize = 32
	if offset > len(dirEntries) {
		return nil, 0, true, nil
	}
	// Stop early once the encoded records would overflow MaxPayload with
	// serveList's 4-byte resume cursor in front of them.
	budget := MaxPayload - 4
	end := offset
	for end < len(dirEntries) && end-offset < segmentSize {
		rec := 1 + min(len(dirEntries[end].Name()), 255) + 5
		if rec > budget {
			break
		}
		budget -= rec
		end++
	}
	done := end >= len(dirEntries)
	entries := make([]DirEntry, 0, end-offset)
	for _, de := range dirEntries[offset:end] {
		info, err := de.Info()
		size := uint32(0)
		if err == nil {
			size = uint32(info.Size())
		}
		entries = append(entries, DirEntry{Name: de.Name(), Size: size, IsDir: de.IsDir()})
	}
	return entries, end, done, nil
}

type osHandle struct {
	file *os.File
}

func (h *osHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

func (h *osHandle) WriteAt(p []byte, off int64) (int, error) {
	return h.file.WriteAt(p, off)
}

func (h *osHandle) Size() (int64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (h *osHandle) Close() error {
	return h.file.Close()
}
