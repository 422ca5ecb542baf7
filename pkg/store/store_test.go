package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-link/rdt/pkg/store"
)

func TestInMemoryPeerStoreStartsZero(t *testing.T) {
	s := store.NewInMemoryPeerStore()
	addr, err := s.GetPeer()
	require.NoError(t, err)
	require.True(t, addr.Zero())
}

func TestFinalizeCommitsStagedAddress(t *testing.T) {
	s := store.NewInMemoryPeerStore()
	addr := store.PeerAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	require.NoError(t, store.Finalize(s, addr))

	got, err := s.GetPeer()
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestClearResetsToZero(t *testing.T) {
	s := store.NewInMemoryPeerStore()
	addr := store.PeerAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	require.NoError(t, store.Finalize(s, addr))

	require.NoError(t, store.Clear(s))
	got, err := s.GetPeer()
	require.NoError(t, err)
	require.True(t, got.Zero())
}

func TestSetPeerWithoutCommitDoesNotPersist(t *testing.T) {
	s := store.NewInMemoryPeerStore()
	addr := store.PeerAddr{1, 1, 1, 1, 1, 1}
	require.NoError(t, s.SetPeer(addr))

	got, err := s.GetPeer()
	require.NoError(t, err)
	require.True(t, got.Zero(), "staged value must not be visible before Commit")
}

func TestPeerAddrString(t *testing.T) {
	addr := store.PeerAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	require.Equal(t, "deadbeef0001", addr.String())
}
