package broker_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-link/rdt/pkg/broker"
	"github.com/kestrel-link/rdt/pkg/link"
	"github.com/kestrel-link/rdt/pkg/rdt"
)

// Test wire format, independent of the params/files sub-protocols this
// broker actually serves: [keyLo, keyHi, ...data] for a request and
// [keyLo, keyHi, code, ...data] for its response.

func encodeRequest(key uint16, data []byte) []byte {
	buf := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(buf, key)
	copy(buf[2:], data)
	return buf
}

func encodeResponse(key uint16, code uint8, data []byte) []byte {
	buf := make([]byte, 3+len(data))
	binary.LittleEndian.PutUint16(buf, key)
	buf[2] = code
	copy(buf[3:], data)
	return buf
}

// runResponder answers every request it sees on ch with handler's output,
// after an optional delay, until ctx is cancelled.
func runResponder(ctx context.Context, t *testing.T, engine *rdt.Engine, ch uint8, delay time.Duration, handler func(key uint16, data []byte) (code uint8, resp []byte)) {
	t.Helper()
	sig, unsub, err := engine.Subscribe(ch)
	require.NoError(t, err)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
			}
			for {
				block, ok := engine.DequeueReceived(ch)
				if !ok {
					break
				}
				key := binary.LittleEndian.Uint16(block[:2])
				code, resp := handler(key, block[2:])
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				_ = engine.SubmitBlock(ch, encodeResponse(key, code, resp))
			}
		}
	}()
}

// runCorrelator forwards every RESP block seen on ch to b.Deliver. This is
// exactly the job params.Registry and files.Service consumer loops do in
// production, once they've distinguished a RESP frame from an inbound
// GET/SET/READ/WRITE request on the same channel.
func runCorrelator(ctx context.Context, t *testing.T, engine *rdt.Engine, ch uint8, b *broker.Broker) {
	t.Helper()
	sig, unsub, err := engine.Subscribe(ch)
	require.NoError(t, err)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
			}
			for {
				block, ok := engine.DequeueReceived(ch)
				if !ok {
					break
				}
				key := binary.LittleEndian.Uint16(block[:2])
				code := block[2]
				b.Deliver(ch, uint32(key), code, block[3:])
			}
		}
	}()
}

func newBrokerPair(t *testing.T) (a, bEng *rdt.Engine, b *broker.Broker, cancel func()) {
	t.Helper()
	cfg := rdt.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	linkA, linkB := link.NewLoopbackPair()
	engineA := rdt.NewEngine(linkA, cfg)
	engineB := rdt.NewEngine(linkB, cfg)

	ctx, cancelFn := context.WithCancel(context.Background())
	go engineA.Run(ctx)
	go engineB.Run(ctx)

	br := broker.New(engineA, 20*time.Millisecond)
	for ch := uint8(0); ch < rdt.MaxChannels; ch++ {
		runCorrelator(ctx, t, engineA, ch, br)
	}

	return engineA, engineB, br, func() {
		cancelFn()
		engineA.Close()
		engineB.Close()
	}
}

func TestRequestReceivesMatchingResponse(t *testing.T) {
	_, engineB, br, cancel := newBrokerPair(t)
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	runResponder(ctx, t, engineB, 2, 0, func(key uint16, data []byte) (uint8, []byte) {
		out := make([]byte, len(data))
		for i, bt := range data {
			out[i] = bt + 1
		}
		return 0, out
	})

	respBuf := make([]byte, 64)
	result := br.Request(2, 7, encodeRequest(7, []byte{1, 2, 3}), respBuf, time.Second)

	require.Equal(t, broker.OutcomeOK, result.Outcome)
	require.Equal(t, uint8(0), result.ReturnCode)
	require.Equal(t, []byte{2, 3, 4}, respBuf[:result.BytesWritten])
}

func TestRequestTimesOutWhenNoResponse(t *testing.T) {
	_, _, br, cancel := newBrokerPair(t)
	defer cancel()

	respBuf := make([]byte, 16)
	result := br.Request(2, 1, encodeRequest(1, nil), respBuf, 50*time.Millisecond)
	require.Equal(t, broker.OutcomeTimeout, result.Outcome)
}

func TestRequestBusyWhileInFlight(t *testing.T) {
	_, engineB, br, cancel := newBrokerPair(t)
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	runResponder(ctx, t, engineB, 2, 150*time.Millisecond, func(key uint16, data []byte) (uint8, []byte) {
		return 0, nil
	})

	done := make(chan broker.Result, 1)
	go func() {
		done <- br.Request(2, 1, encodeRequest(1, nil), make([]byte, 8), time.Second)
	}()
	time.Sleep(20 * time.Millisecond) // let the first Request acquire the slot

	second := br.Request(2, 2, encodeRequest(2, nil), make([]byte, 8), time.Second)
	require.Equal(t, broker.OutcomeBusy, second.Outcome)

	first := <-done
	require.Equal(t, broker.OutcomeOK, first.Outcome)
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	_, engineB, br, cancel := newBrokerPair(t)
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	runResponder(ctx, t, engineB, 2, 120*time.Millisecond, func(key uint16, data []byte) (uint8, []byte) {
		if key == 3 {
			return 0, []byte("late")
		}
		return 0, []byte("fresh")
	})

	result := br.Request(2, 3, encodeRequest(3, nil), make([]byte, 16), 40*time.Millisecond)
	require.Equal(t, broker.OutcomeTimeout, result.Outcome)

	// The slot is free again; a fresh request should proceed normally and not
	// observe the stale response from the first, now-abandoned call.
	time.Sleep(150 * time.Millisecond)
	respBuf := make([]byte, 16)
	next := br.Request(2, 4, encodeRequest(4, nil), respBuf, time.Second)
	require.Equal(t, broker.OutcomeOK, next.Outcome)
	require.Equal(t, "fresh", string(respBuf[:next.BytesWritten]))
}

func TestDeliverIgnoresNonMatchingKey(t *testing.T) {
	engineA, _, br, cancel := newBrokerPair(t)
	defer cancel()
	_ = engineA

	ok := br.Deliver(2, 99, 0, []byte("nobody asked"))
	require.False(t, ok)
}

func TestChannelOutOfRangeIsNotInitialized(t *testing.T) {
	_, _, br, cancel := newBrokerPair(t)
	defer cancel()
	result := br.Request(rdt.MaxChannels, 1, []byte("x"), make([]byte, 4), time.Second)
	require.Equal(t, broker.OutcomeNotInitialized, result.Outcome)
}

func TestRequestIDSequenceNeverZero(t *testing.T) {
	seq := broker.NewRequestIDSequence()
	seen := make(map[uint16]bool)
	for i := 0; i < 70000; i++ {
		id := seq.Next()
		require.NotEqual(t, uint16(0), id)
		seen[id] = true
	}
	require.Equal(t, 65535, len(seen))
}

