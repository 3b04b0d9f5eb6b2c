package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/cosmicconnect/internal/identity"
	"github.com/malbeclabs/cosmicconnect/internal/packetcodec"
	"github.com/malbeclabs/cosmicconnect/internal/plugin"
	"github.com/malbeclabs/cosmicconnect/internal/transport"
	"github.com/stretchr/testify/require"
)

// connectedLinkPair hands back two authenticated, loopback-connected
// Links (a and b are opposite ends of the same TLS session) so
// Device.SendPacketBlocking has somewhere real to write.
func connectedLinkPair(t *testing.T) (a, b *transport.Link) {
	t.Helper()

	idA, err := identity.GenerateDeviceID()
	require.NoError(t, err)
	kpA, err := identity.GenerateSelfSigned(idA)
	require.NoError(t, err)

	idB, err := identity.GenerateDeviceID()
	require.NoError(t, err)
	kpB, err := identity.GenerateSelfSigned(idB)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	noVerify := func(rawCerts [][]byte, announcedDeviceID string) error { return nil }

	serverCh := make(chan *transport.Link, 1)
	errCh := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		l, _, err := transport.AcceptAndHandshake(context.Background(), raw, kpB.TLSCert, noVerify, nil, nil, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- l
	}()

	clientIdentity := packetcodec.NewBuilder(1, packetcodec.TypeIdentity).
		WithBody(map[string]any{"deviceId": idA}).MustBuild()
	clientLink, err := transport.DialAndHandshake(context.Background(), ln.Addr().String(), idB, clientIdentity, kpA.TLSCert, noVerify, nil, nil, nil)
	require.NoError(t, err)

	select {
	case serverLink := <-serverCh:
		t.Cleanup(func() { clientLink.Disconnect(); serverLink.Disconnect() })
		return clientLink, serverLink
	case err := <-errCh:
		t.Fatalf("handshake failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		t.Fatal("timed out establishing test link pair")
		return nil, nil
	}
}

// drain reads and discards packets off l so the peer's writes never
// block on an unread pipe.
func drain(l *transport.Link) {
	go l.ReadLoop(context.Background())
}

type fakeObserver struct {
	reachability []bool
	pairStates   []string
	pluginsChged int
}

func (f *fakeObserver) OnDeviceReachabilityChanged(deviceID string, reachable bool) {
	f.reachability = append(f.reachability, reachable)
}
func (f *fakeObserver) OnDevicePairStateChanged(deviceID string, state string) {
	f.pairStates = append(f.pairStates, state)
}
func (f *fakeObserver) OnDevicePluginsChanged(deviceID string) { f.pluginsChged++ }

type fakeTrust struct {
	trusted       bool
	untrusted     bool
	pluginEnabled map[string]bool
}

func (f *fakeTrust) Trust(deviceID string, peerCertDER []byte, displayName string, deviceType identity.DeviceType) error {
	f.trusted = true
	return nil
}
func (f *fakeTrust) Untrust(deviceID string) error {
	f.untrusted = true
	return nil
}
func (f *fakeTrust) SetPluginEnabled(deviceID, plugin string, enabled bool) error {
	if f.pluginEnabled == nil {
		f.pluginEnabled = map[string]bool{}
	}
	f.pluginEnabled[plugin] = enabled
	return nil
}

func noopRegistration(key string) plugin.Registration {
	return plugin.Registration{
		Descriptor: plugin.Descriptor{
			Key:                   key,
			DefaultEnabled:        true,
			DeclaredIncomingTypes: []string{"cconnect." + key},
			DeclaredOutgoingTypes: []string{"cconnect." + key},
		},
		New: func(deviceID string, sender plugin.PacketSender, peerAddr string) plugin.Instance { return noopPluginInstance{} },
	}
}

type noopPluginInstance struct{}

func (noopPluginInstance) OnCreate() bool                        { return true }
func (noopPluginInstance) OnDestroy()                            {}
func (noopPluginInstance) OnPacketReceived(p packetcodec.Packet) {}

func newTestDevice(t *testing.T, clock clockwork.Clock, regs ...plugin.Registration) (*Device, *fakeTrust, *fakeObserver) {
	t.Helper()
	trust := &fakeTrust{}
	obs := &fakeObserver{}
	d := New("peer1", trust, plugin.NewRouter(regs...), nil, obs, clock, nil)
	return d, trust, obs
}

// peerAcceptsPair delivers the peer's pair:true answer to an
// outstanding request of ours, which moves RequestedByUs to Paired.
func peerAcceptsPair(d *Device, peerCertDER []byte) {
	d.DispatchPacket(packetcodec.NewBuilder(0, PairPacketType).WithBody(map[string]any{"pair": true}).MustBuild(), peerCertDER)
}

func TestRequestPairThenAcceptReachesPaired(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	d, trust, obs := newTestDevice(t, clockwork.NewFakeClock())
	d.AdoptLink(a)

	err := d.RequestPair()
	require.NoError(t, err)
	require.Equal(t, "RequestedByUs", d.PairStateName())

	peerAcceptsPair(d, []byte("peer-cert-der"))
	require.Equal(t, "Paired", d.PairStateName())
	require.True(t, trust.trusted)
	require.Contains(t, obs.pairStates, "RequestedByUs")
	require.Contains(t, obs.pairStates, "Paired")
}

func TestRequestPairFailsWhenAlreadyRequested(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	d, _, _ := newTestDevice(t, clockwork.NewFakeClock())
	d.AdoptLink(a)

	require.NoError(t, d.RequestPair())
	require.Error(t, d.RequestPair())
}

func TestIncomingPairRequestMovesToRequestedByThem(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	d, _, obs := newTestDevice(t, clockwork.NewFakeClock())
	d.AdoptLink(a)

	pairPkt := packetcodec.NewBuilder(0, PairPacketType).WithBody(map[string]any{"pair": true}).MustBuild()
	d.DispatchPacket(pairPkt, []byte("their-cert-der"))

	require.Equal(t, "RequestedByThem", d.PairStateName())
	require.Contains(t, obs.pairStates, "RequestedByThem")
}

func TestAcceptPairFromRequestedByThem(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	pingReg := noopRegistration("ping")
	d, trust, obs := newTestDevice(t, clockwork.NewFakeClock(), pingReg)
	d.AdoptLink(a)
	d.UpdateInfo(identity.Info{ID: "peer1", OutgoingCapabilities: []string{"cconnect.ping"}, IncomingCapabilities: []string{"cconnect.ping"}})

	pairPkt := packetcodec.NewBuilder(0, PairPacketType).WithBody(map[string]any{"pair": true}).MustBuild()
	d.DispatchPacket(pairPkt, []byte("their-cert-der"))
	require.Equal(t, "RequestedByThem", d.PairStateName())

	require.NoError(t, d.AcceptPair([]byte("their-cert-der")))
	require.Equal(t, "Paired", d.PairStateName())
	require.True(t, trust.trusted)
	require.Greater(t, obs.pluginsChged, 0)
}

func TestUnpairDeactivatesPluginsAndUntrusts(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	pingReg := noopRegistration("ping")
	d, trust, _ := newTestDevice(t, clockwork.NewFakeClock(), pingReg)
	d.AdoptLink(a)
	d.UpdateInfo(identity.Info{ID: "peer1", OutgoingCapabilities: []string{"cconnect.ping"}, IncomingCapabilities: []string{"cconnect.ping"}})

	require.NoError(t, d.RequestPair())
	peerAcceptsPair(d, []byte("cert"))
	require.Equal(t, "Paired", d.PairStateName())

	require.NoError(t, d.Unpair())
	require.Equal(t, "Unpaired", d.PairStateName())
	require.True(t, trust.untrusted)
	require.Empty(t, d.ActivePluginKeys())
}

func TestPairingRequestExpiresAfterTimeout(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	clock := clockwork.NewFakeClock()
	d, _, obs := newTestDevice(t, clock)
	d.AdoptLink(a)

	require.NoError(t, d.RequestPair())
	require.Equal(t, "RequestedByUs", d.PairStateName())

	clock.Advance(PairTimeout + time.Second)
	require.Eventually(t, func() bool {
		return d.PairStateName() == "Unpaired"
	}, time.Second, time.Millisecond)
	require.Contains(t, obs.pairStates, "Unpaired")
}

func TestTimeoutDoesNotFireIfAlreadyResolved(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	clock := clockwork.NewFakeClock()
	d, _, _ := newTestDevice(t, clock)
	d.AdoptLink(a)

	require.NoError(t, d.RequestPair())
	peerAcceptsPair(d, []byte("cert"))
	require.Equal(t, "Paired", d.PairStateName())

	clock.Advance(PairTimeout + time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, "Paired", d.PairStateName())
}

func TestAdoptLinkOrdersByPriorityThenFirstAuthenticated(t *testing.T) {
	a1, b1 := connectedLinkPair(t)
	a2, b2 := connectedLinkPair(t)
	drain(b1)
	drain(b2)

	priority := func(l *transport.Link) int {
		if l == a2 {
			return 10
		}
		return 0
	}
	d := New("peer1", &fakeTrust{}, plugin.NewRouter(), priority, nil, clockwork.NewFakeClock(), nil)
	d.AdoptLink(a1)
	d.AdoptLink(a2)

	require.Equal(t, a2, d.bestLink())
}

func TestRemoveLinkReportsRemovalOnlyWhenUnpairedAndEmpty(t *testing.T) {
	a, b := connectedLinkPair(t)
	drain(b)

	d, _, _ := newTestDevice(t, clockwork.NewFakeClock())
	d.AdoptLink(a)

	require.NoError(t, d.RequestPair())
	peerAcceptsPair(d, []byte("cert"))
	require.Equal(t, "Paired", d.PairStateName())

	shouldRemove := d.RemoveLink(a)
	require.False(t, shouldRemove, "a paired device's last link should not trigger registry removal")

	d2, _, _ := newTestDevice(t, clockwork.NewFakeClock())
	a2, b2 := connectedLinkPair(t)
	drain(b2)
	d2.AdoptLink(a2)
	require.True(t, d2.RemoveLink(a2))
}

func TestDispatchPacketDropsNonPairTrafficWhileUnpaired(t *testing.T) {
	pingReg := noopRegistration("ping")
	d, _, _ := newTestDevice(t, clockwork.NewFakeClock(), pingReg)

	pkt := packetcodec.NewBuilder(1, "cconnect.ping").WithBody(map[string]any{}).MustBuild()
	d.DispatchPacket(pkt, nil) // must not panic; there's no active plugin to receive it
}

func TestSendPacketReturnsErrLinkBrokenWithoutLinks(t *testing.T) {
	d, _, _ := newTestDevice(t, clockwork.NewFakeClock())
	err := d.SendPacketBlocking(packetcodec.NewBuilder(1, "cconnect.ping").WithBody(map[string]any{}).MustBuild())
	require.Error(t, err)
	var linkBroken *ErrLinkBroken
	require.ErrorAs(t, err, &linkBroken)
}

func TestSetPluginEnabledPersistsThroughTrustStore(t *testing.T) {
	pingReg := noopRegistration("ping")
	d, trust, _ := newTestDevice(t, clockwork.NewFakeClock(), pingReg)

	require.NoError(t, d.SetPluginEnabled("ping", false))

	require.False(t, trust.pluginEnabled["ping"])
}
