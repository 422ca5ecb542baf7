// Package pairing implements the two-step mutual-confirmation pairing state
// machine: two devices either both persist each other's link address, or
// neither does. One side broadcasts its own address, collects the first
// peer that answers as a candidate, and commits the candidate only once the
// peer has confirmed in turn.
package pairing

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rs/xid"

	"github.com/kestrel-link/rdt/pkg/rdt"
	"github.com/kestrel-link/rdt/pkg/store"
)

// SystemChannel is the fixed RDT channel the pairing messages travel on.
const SystemChannel uint8 = 0

// Wire message types for the system/pairing header.
const (
	msgPairingMAC  uint8 = 1
	msgPairingDone uint8 = 2
)

const systemHeaderSize = 8 // message_type(1) + peer_addr(6) + channel(1)

// Status is the tri-state pairing state external callers observe; internal
// failures never surface beyond it.
type Status int

const (
	StatusUnpaired Status = iota
	StatusPairingActive
	StatusPaired
)

func (s Status) String() string {
	switch s {
	case StatusUnpaired:
		return "unpaired"
	case StatusPairingActive:
		return "pairing_active"
	case StatusPaired:
		return "paired"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyPairingOrPaired is returned by StartPairing when the state
	// machine isn't Unpaired.
	ErrAlreadyPairingOrPaired = errors.New("pairing: already active or paired")
	// ErrPairingTimeout is returned by StartPairing when PAIR_TIMEOUT elapses
	// without mutual confirmation; the revert has already happened.
	ErrPairingTimeout = errors.New("pairing: timed out without confirmation")
)

// Config tunes the pairing timers. Zero values fall back to a 1s broadcast
// interval and a 10s pairing timeout.
type Config struct {
	BroadcastInterval time.Duration
	PairTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = time.Second
	}
	if c.PairTimeout <= 0 {
		c.PairTimeout = 10 * time.Second
	}
	return c
}

// StateMachine drives pairing over an rdt.Engine's system channel, atomically
// finalizing or reverting the peer identity in a PeerStore.
type StateMachine struct {
	engine  *rdt.Engine
	peers   store.PeerStore
	ownAddr store.PeerAddr
	cfg     Config

	// OnPaired, if set, is invoked with the confirmed peer address once
	// finalize completes, so a caller can register it as a link-layer peer;
	// link initialization and peer registration belong to the link layer.
	OnPaired func(store.PeerAddr)

	mu     sync.Mutex
	status Status
	peer   store.PeerAddr
}

// New builds a StateMachine in StatusUnpaired.
func New(engine *rdt.Engine, peers store.PeerStore, ownAddr store.PeerAddr, cfg Config) *StateMachine {
	return &StateMachine{
		engine:  engine,
		peers:   peers,
		ownAddr: ownAddr,
		cfg:     cfg.withDefaults(),
	}
}

// Status returns the current tri-state pairing status.
func (sm *StateMachine) Status() Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status
}

// Peer returns the persisted peer address once Paired; the zero value
// otherwise.
func (sm *StateMachine) Peer() store.PeerAddr {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.peer
}

// StartPairing runs the active pairing exchange to completion: it blocks
// until mutual confirmation (finalize) or the pairing timeout elapses
// (revert). Cancelling ctx early reverts exactly like a timeout.
func (sm *StateMachine) StartPairing(ctx context.Context) error {
	sm.mu.Lock()
	if sm.status != StatusUnpaired {
		sm.mu.Unlock()
		return ErrAlreadyPairingOrPaired
	}
	sm.status = StatusPairingActive
	sm.mu.Unlock()

	session := xid.New()
	logger := log.WithFields(log.Fields{"component": "pairing", "session": session.String()})

	// Step 1: clear any previously stored peer identity before starting.
	if err := store.Clear(sm.peers); err != nil {
		logger.Warnf("clearing peer store before pairing: %v", err)
	}

	sig, unsub, err := sm.engine.Subscribe(SystemChannel)
	if err != nil {
		sm.mu.Lock()
		sm.status = StatusUnpaired
		sm.mu.Unlock()
		return err
	}
	defer unsub()

	var candidate store.PeerAddr
	var haveCandidate bool
	var peerConfirmed bool

	broadcast := func() {
		if err := sm.send(msgPairingMAC, sm.ownAddr); err != nil {
			logger.Debugf("broadcasting PAIRING_MAC: %v", err)
		}
	}
	broadcast()

	ticker := time.NewTicker(sm.cfg.BroadcastInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(sm.cfg.PairTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			sm.revert(logger)
			return ErrPairingTimeout

		case <-deadline.C:
			sm.revert(logger)
			return ErrPairingTimeout

		case <-ticker.C:
			if !peerConfirmed {
				broadcast()
			}

		case <-sig:
			for {
				block, ok := sm.engine.DequeueReceived(SystemChannel)
				if !ok {
					break
				}
				msgType, peerAddr, valid := decodeSystemMessage(block)
				if !valid || peerAddr.Zero() {
					continue
				}
				switch msgType {
				case msgPairingMAC:
					if !haveCandidate {
						candidate = peerAddr
						haveCandidate = true
						logger.Infof("pairing candidate %s discovered", peerAddr)
					} else if peerAddr != candidate {
						// First candidate wins for the whole session; a new
						// session is required to pair with a different peer.
						logger.Warnf("ignoring second pairing candidate %s, keeping %s", peerAddr, candidate)
					}
					if err := sm.send(msgPairingDone, sm.ownAddr); err != nil {
						logger.Debugf("replying PAIRING_DONE: %v", err)
					}
				case msgPairingDone:
					if !haveCandidate {
						candidate = peerAddr
						haveCandidate = true
					}
					peerConfirmed = true
				}
			}
		}

		if peerConfirmed && haveCandidate {
			if err := sm.finalize(candidate, logger); err != nil {
				return err
			}
			return nil
		}
	}
}

func (sm *StateMachine) finalize(candidate store.PeerAddr, logger *log.Entry) error {
	if err := store.Finalize(sm.peers, candidate); err != nil {
		logger.Errorf("finalizing pairing: %v", err)
		sm.revert(logger)
		return err
	}
	sm.mu.Lock()
	sm.status = StatusPaired
	sm.peer = candidate
	sm.mu.Unlock()
	logger.Infof("paired with %s", candidate)
	if sm.OnPaired != nil {
		sm.OnPaired(candidate)
	}
	return nil
}

func (sm *StateMachine) revert(logger *log.Entry) {
	if err := store.Clear(sm.peers); err != nil {
		logger.Warnf("clearing peer store on revert: %v", err)
	}
	sm.mu.Lock()
	sm.status = StatusUnpaired
	sm.peer = store.PeerAddr{}
	sm.mu.Unlock()
	logger.Warn("pairing reverted")
}

func (sm *StateMachine) send(msgType uint8, addr store.PeerAddr) error {
	return sm.engine.SubmitBlock(SystemChannel, encodeSystemMessage(msgType, addr))
}

func encodeSystemMessage(msgType uint8, addr store.PeerAddr) []byte {
	buf := make([]byte, systemHeaderSize)
	buf[0] = msgType
	copy(buf[1:7], addr[:])
	// buf[7] ("channel") is a passthrough field carried by the wire format;
	// the state machine itself has no use for it.
	return buf
}

func decodeSystemMessage(block []byte) (msgType uint8, addr store.PeerAddr, ok bool) {
	if len(block) < systemHeaderSize {
		return 0, store.PeerAddr{}, false
	}
	msgType = block[0]
	copy(addr[:], block[1:7])
	return msgType, addr, true
}
