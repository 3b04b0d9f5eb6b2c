package plugin

import (
	"testing"

	"github.com/malbeclabs/cosmicconnect/internal/packetcodec"
	"github.com/stretchr/testify/require"
)

type noopInstance struct{}

func (noopInstance) OnCreate() bool                         { return true }
func (noopInstance) OnDestroy()                             {}
func (noopInstance) OnPacketReceived(p packetcodec.Packet)  {}

func pingRegistration() Registration {
	return Registration{
		Descriptor: Descriptor{
			Key:                   "ping",
			DisplayName:           "Ping",
			DefaultEnabled:        true,
			DeclaredIncomingTypes: []string{"cconnect.ping"},
			DeclaredOutgoingTypes: []string{"cconnect.ping"},
		},
		New: func(deviceID string, sender PacketSender, peerAddr string) Instance { return noopInstance{} },
	}
}

func permissionedRegistration() Registration {
	return Registration{
		Descriptor: Descriptor{
			Key:                     "share",
			DeclaredIncomingTypes:   []string{"cconnect.share.request"},
			RequiredHostPermissions: []string{"filesystem"},
		},
		New: func(deviceID string, sender PacketSender, peerAddr string) Instance { return noopInstance{} },
	}
}

func TestComputeActiveSetIntersectsCapabilities(t *testing.T) {
	r := NewRouter(pingRegistration())

	active := r.ComputeActiveSet(ActivationInput{
		PeerOutgoingCapabilities: []string{"cconnect.ping"},
	})
	require.Contains(t, active, "ping")

	active = r.ComputeActiveSet(ActivationInput{
		PeerOutgoingCapabilities: []string{"cconnect.battery"},
	})
	require.NotContains(t, active, "ping")
}

func TestComputeActiveSetSubtractsUserDisabled(t *testing.T) {
	r := NewRouter(pingRegistration())
	active := r.ComputeActiveSet(ActivationInput{
		PeerOutgoingCapabilities: []string{"cconnect.ping"},
		UserDisabled:             map[string]bool{"ping": true},
	})
	require.NotContains(t, active, "ping")
}

func TestComputeActiveSetSubtractsMissingPermissions(t *testing.T) {
	r := NewRouter(permissionedRegistration())

	active := r.ComputeActiveSet(ActivationInput{
		PeerIncomingCapabilities: []string{"cconnect.share.request"},
	})
	require.NotContains(t, active, "share")

	active = r.ComputeActiveSet(ActivationInput{
		PeerIncomingCapabilities: []string{"cconnect.share.request"},
		GrantedHostPermissions:   map[string]bool{"filesystem": true},
	})
	require.Contains(t, active, "share")
}

func TestLookupByIncomingType(t *testing.T) {
	r := NewRouter(pingRegistration())
	reg, ok := r.LookupByIncomingType("cconnect.ping")
	require.True(t, ok)
	require.Equal(t, "ping", reg.Descriptor.Key)

	_, ok = r.LookupByIncomingType("cconnect.unknown")
	require.False(t, ok)
}
