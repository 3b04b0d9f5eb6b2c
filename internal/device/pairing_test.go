package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairingMachineRequestPairOnlyFromUnpaired(t *testing.T) {
	m := newPairingMachine()
	require.True(t, m.RequestPair())
	require.Equal(t, PairStateRequestedByUs, m.State())

	require.False(t, m.RequestPair())
}

func TestPairingMachineIncomingTrueFromUnpairedGoesRequestedByThem(t *testing.T) {
	m := newPairingMachine()
	storeCert := m.OnIncomingPairTrue()
	require.False(t, storeCert)
	require.Equal(t, PairStateRequestedByThem, m.State())
}

func TestPairingMachineIncomingTrueFromRequestedByUsCompletesPairing(t *testing.T) {
	m := newPairingMachine()
	m.RequestPair()
	storeCert := m.OnIncomingPairTrue()
	require.True(t, storeCert)
	require.Equal(t, PairStatePaired, m.State())
}

func TestPairingMachineIncomingFalseFromRequestedByUsCancels(t *testing.T) {
	m := newPairingMachine()
	m.RequestPair()
	forgetCert := m.OnIncomingPairFalse()
	require.False(t, forgetCert)
	require.Equal(t, PairStateUnpaired, m.State())
}

func TestPairingMachineIncomingFalseFromPairedUnpairs(t *testing.T) {
	m := newPairingMachine()
	m.RequestPair()
	m.OnIncomingPairTrue()
	require.Equal(t, PairStatePaired, m.State())

	forgetCert := m.OnIncomingPairFalse()
	require.True(t, forgetCert)
	require.Equal(t, PairStateUnpaired, m.State())
}

func TestPairingMachineAcceptPairOnlyFromRequestedByThem(t *testing.T) {
	m := newPairingMachine()
	send, storeCert := m.AcceptPair()
	require.False(t, send)
	require.False(t, storeCert)

	m.OnIncomingPairTrue()
	require.Equal(t, PairStateRequestedByThem, m.State())
	send, storeCert = m.AcceptPair()
	require.True(t, send)
	require.True(t, storeCert)
	require.Equal(t, PairStatePaired, m.State())
}

func TestPairingMachineRejectPairOnlyFromRequestedByThem(t *testing.T) {
	m := newPairingMachine()
	m.OnIncomingPairTrue()
	require.Equal(t, PairStateRequestedByThem, m.State())

	require.True(t, m.RejectPair())
	require.Equal(t, PairStateUnpaired, m.State())
}

func TestPairingMachineUnpairOnlyFromPaired(t *testing.T) {
	m := newPairingMachine()
	send, forgetCert := m.Unpair()
	require.False(t, send)
	require.False(t, forgetCert)

	m.RequestPair()
	m.OnIncomingPairTrue()
	require.Equal(t, PairStatePaired, m.State())

	send, forgetCert = m.Unpair()
	require.True(t, send)
	require.True(t, forgetCert)
	require.Equal(t, PairStateUnpaired, m.State())
}

func TestPairingMachineExpireIfStillRequestedOnlyFromRequestedByUs(t *testing.T) {
	m := newPairingMachine()
	require.False(t, m.ExpireIfStillRequested())

	m.RequestPair()
	require.True(t, m.ExpireIfStillRequested())
	require.Equal(t, PairStateUnpaired, m.State())
}

func TestPairingMachineExpireDoesNothingIfAlreadyResolved(t *testing.T) {
	m := newPairingMachine()
	m.RequestPair()
	m.OnIncomingPairTrue()
	require.Equal(t, PairStatePaired, m.State())

	require.False(t, m.ExpireIfStillRequested())
	require.Equal(t, PairStatePaired, m.State())
}

func TestPairStateStringValues(t *testing.T) {
	require.Equal(t, "Unpaired", PairStateUnpaired.String())
	require.Equal(t, "RequestedByUs", PairStateRequestedByUs.String())
	require.Equal(t, "RequestedByThem", PairStateRequestedByThem.String())
	require.Equal(t, "Paired", PairStatePaired.String())
}
