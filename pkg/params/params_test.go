package params_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-link/rdt/pkg/broker"
	"github.com/kestrel-link/rdt/pkg/link"
	"github.com/kestrel-link/rdt/pkg/params"
	"github.com/kestrel-link/rdt/pkg/rdt"
)

const paramsChannel uint8 = 2

// newPair wires up two engines over loopback, each with a params.Registry on
// top, each with its own Broker for the client-side of the calls it issues.
func newPair(t *testing.T) (regA, regB *params.Registry, cancel func()) {
	t.Helper()
	cfg := rdt.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	linkA, linkB := link.NewLoopbackPair()
	engineA := rdt.NewEngine(linkA, cfg)
	engineB := rdt.NewEngine(linkB, cfg)

	ctx, cancelFn := context.WithCancel(context.Background())
	go engineA.Run(ctx)
	go engineB.Run(ctx)

	brokerA := broker.New(engineA, 20*time.Millisecond)
	brokerB := broker.New(engineB, 20*time.Millisecond)

	regA = params.New(engineA, brokerA, paramsChannel)
	regB = params.New(engineB, brokerB, paramsChannel)

	stop := make(chan struct{})
	go regA.Run(stop)
	go regB.Run(stop)

	return regA, regB, func() {
		close(stop)
		cancelFn()
		engineA.Close()
		engineB.Close()
	}
}

func TestGetReturnsReaderBytes(t *testing.T) {
	regA, regB, cancel := newPair(t)
	defer cancel()

	regB.Register(20, params.Descriptor{
		Read: func(buf []byte) (int, uint8) {
			n := copy(buf, []byte{0x07, 0xe8})
			return n, params.CodeOK
		},
	})

	data, code, outcome := regA.Get(20, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, params.CodeOK, code)
	require.Equal(t, []byte{0x07, 0xe8}, data)
}

func TestGetUnknownMessageType(t *testing.T) {
	regA, _, cancel := newPair(t)
	defer cancel()

	_, code, outcome := regA.Get(200, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, params.CodeUnknownMessageType, code)
}

func TestGetNoReaderRegistered(t *testing.T) {
	regA, regB, cancel := newPair(t)
	defer cancel()

	regB.Register(5, params.Descriptor{
		Write: func(data []byte) uint8 { return params.CodeOK },
	})

	_, code, outcome := regA.Get(5, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, params.CodeNoReader, code)
}

func TestSetInvokesWriter(t *testing.T) {
	regA, regB, cancel := newPair(t)
	defer cancel()

	var written []byte
	regB.Register(30, params.Descriptor{
		Write: func(data []byte) uint8 {
			written = append([]byte(nil), data...)
			return params.CodeOK
		},
	})

	code, outcome := regA.Set(30, []byte{1, 2, 3, 4}, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, params.CodeOK, code)
	require.Equal(t, []byte{1, 2, 3, 4}, written)
}

func TestSetNoWriterRegistered(t *testing.T) {
	regA, regB, cancel := newPair(t)
	defer cancel()

	regB.Register(31, params.Descriptor{
		Read: func(buf []byte) (int, uint8) { return 0, params.CodeOK },
	})

	code, outcome := regA.Set(31, []byte{9}, time.Second)
	require.Equal(t, broker.OutcomeOK, outcome)
	require.Equal(t, params.CodeNoWriter, code)
}
