package files_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-link/rdt/pkg/broker"
	"github.com/kestrel-link/rdt/pkg/files"
	"github.com/kestrel-link/rdt/pkg/link"
	"github.com/kestrel-link/rdt/pkg/rdt"
)

const filesChannel uint8 = 3

func newPair(t *testing.T, serverRoot string) (client, server *files.Service, cancel func()) {
	t.Helper()
	cfg := rdt.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.MaxBlockSize[filesChannel] = 8192
	linkA, linkB := link.NewLoopbackPair()
	engineA := rdt.NewEngine(linkA, cfg)
	engineB := rdt.NewEngine(linkB, cfg)

	ctx, cancelFn := context.WithCancel(context.Background())
	go engineA.Run(ctx)
	go engineB.Run(ctx)

	brokerA := broker.New(engineA, 20*time.Millisecond)
	brokerB := broker.New(engineB, 20*time.Millisecond)

	client = files.New(engineA, brokerA, filesChannel, nil)
	server = files.New(engineB, brokerB, filesChannel, files.NewOsProducer(serverRoot, nil))

	stop := make(chan struct{})
	go client.Run(stop)
	go server.Run(stop)

	return client, server, func() {
		close(stop)
		cancelFn()
		engineA.Close()
		engineB.Close()
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	client, _, cancel := newPair(t, root)
	defer cancel()

	code, outcome := client.Write("note.txt", 0, []byte("hello file service"), time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, files.CodeOK, code)

	buf := make([]byte, 64)
	n, code, outcome := client.Read("note.txt", 0, buf, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, files.CodeOK, code)
	require.Equal(t, "hello file service", string(buf[:n]))
}

func TestAppendWrite(t *testing.T) {
	root := t.TempDir()
	client, _, cancel := newPair(t, root)
	defer cancel()

	_, outcome := client.Write("log.txt", 0, []byte("first "), time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	_, outcome = client.Write("log.txt", files.AppendOffset, []byte("second"), time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)

	raw, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	require.Equal(t, "first second", string(raw))
}

func TestReadMissingFileReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	client, _, cancel := newPair(t, root)
	defer cancel()

	buf := make([]byte, 16)
	_, code, outcome := client.Read("missing.txt", 0, buf, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, files.CodeFileNotFound, code)
}

func TestListDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bb"), 0644))

	client, _, cancel := newPair(t, root)
	defer cancel()

	entries, _, done, code, outcome := client.List(".", 0, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, files.CodeOK, code)
	require.True(t, done)
	require.Len(t, entries, 2)

	names := map[string]uint32{}
	for _, e := range entries {
		names[e.Name] = e.Size
	}
	require.Equal(t, uint32(1), names["a.txt"])
	require.Equal(t, uint32(2), names["b.txt"])
}
