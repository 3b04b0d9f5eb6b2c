package device

import "time"

// PairState enumerates the §4.7 pairing state machine's positions.
type PairState int

const (
	PairStateUnpaired PairState = iota
	PairStateRequestedByUs
	PairStateRequestedByThem
	PairStatePaired
)

func (s PairState) String() string {
	switch s {
	case PairStateUnpaired:
		return "Unpaired"
	case PairStateRequestedByUs:
		return "RequestedByUs"
	case PairStateRequestedByThem:
		return "RequestedByThem"
	case PairStatePaired:
		return "Paired"
	default:
		return "Unknown"
	}
}

// PairTimeout is the duration a RequestedByUs pairing waits for a
// response before reverting to Unpaired.
const PairTimeout = 30 * time.Second

// pairingMachine holds the §4.7 transition table's state. It performs
// no I/O and takes no locks of its own: the owning Device guards every
// call with its own mutex and is responsible for acting on the
// returned side-effect flags outside that lock.
type pairingMachine struct {
	state PairState
}

func newPairingMachine() *pairingMachine {
	return &pairingMachine{state: PairStateUnpaired}
}

// RequestPair implements the local requestPair() event.
func (m *pairingMachine) RequestPair() (send bool) {
	if m.state != PairStateUnpaired {
		return false
	}
	m.state = PairStateRequestedByUs
	return true
}

// OnIncomingPairTrue handles an incoming pair{pair:true} frame.
func (m *pairingMachine) OnIncomingPairTrue() (storeCert bool) {
	switch m.state {
	case PairStateUnpaired:
		m.state = PairStateRequestedByThem
		return false
	case PairStateRequestedByUs:
		m.state = PairStatePaired
		return true
	default:
		return false
	}
}

// OnIncomingPairFalse handles an incoming pair{pair:false} frame.
func (m *pairingMachine) OnIncomingPairFalse() (forgetCert bool) {
	switch m.state {
	case PairStateRequestedByUs:
		m.state = PairStateUnpaired
		return false
	case PairStatePaired:
		m.state = PairStateUnpaired
		return true
	default:
		return false
	}
}

// AcceptPair implements the local acceptPair() event.
func (m *pairingMachine) AcceptPair() (send, storeCert bool) {
	if m.state != PairStateRequestedByThem {
		return false, false
	}
	m.state = PairStatePaired
	return true, true
}

// RejectPair implements the local rejectPair() event.
func (m *pairingMachine) RejectPair() (send bool) {
	if m.state != PairStateRequestedByThem {
		return false
	}
	m.state = PairStateUnpaired
	return true
}

// Unpair implements the local unpair() event.
func (m *pairingMachine) Unpair() (send, forgetCert bool) {
	if m.state != PairStatePaired {
		return false, false
	}
	m.state = PairStateUnpaired
	return true, true
}

// ExpireIfStillRequested implements the T timeout transition: it only
// fires if the machine is still RequestedByUs (the request may have
// already resolved by the time the timer callback runs).
func (m *pairingMachine) ExpireIfStillRequested() (expired bool) {
	if m.state != PairStateRequestedByUs {
		return false
	}
	m.state = PairStateUnpaired
	return true
}

// State returns the machine's current position.
func (m *pairingMachine) State() PairState { return m.state }
