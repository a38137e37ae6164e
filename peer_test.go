package electrum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerFeaturesDefaultsPorts(t *testing.T) {
	peer := ParsePeerFeatures("electrum.example.org", []string{"v1.4.2", "p10000", "t", "s", "w"}, "mainnet")

	assert.Equal(t, "1.4.2", peer.Version)
	require.NotNil(t, peer.PruningLimit)
	assert.Equal(t, 10000, *peer.PruningLimit)
	assert.Equal(t, MainnetTCPPort, peer.Ports.TCP)
	assert.Equal(t, MainnetSSLPort, peer.Ports.SSL)
	assert.Equal(t, MainnetWSSPort, peer.Ports.WSS)
}

func TestParsePeerFeaturesExplicitPortsAndTestnet(t *testing.T) {
	peer := ParsePeerFeatures("electrum.example.org", []string{"s50023", "t50021"}, "testnet")

	assert.Equal(t, 50023, peer.Ports.SSL)
	assert.Equal(t, 50021, peer.Ports.TCP)
	assert.Equal(t, 0, peer.Ports.WSS, "no w token means WSS unavailable")
}

func TestSelectTransportPrefersWSSByDefault(t *testing.T) {
	peer := Peer{Host: "peer.example.org", Ports: PeerPorts{TCP: 50001, SSL: 50002, WSS: 50004}}
	kind, port, err := selectTransport(peer, "wss://ssl-proxy", "wss://tcp-proxy")
	require.NoError(t, err)
	assert.Equal(t, TransportWSS, kind)
	assert.Equal(t, 50004, port)
}

func TestSelectTransportFallsBackToSSLThenTCP(t *testing.T) {
	peer := Peer{Host: "peer.example.org", Ports: PeerPorts{TCP: 50001, SSL: 50002}}
	kind, _, err := selectTransport(peer, "wss://ssl-proxy", "wss://tcp-proxy")
	require.NoError(t, err)
	assert.Equal(t, TransportSSL, kind)

	peer2 := Peer{Host: "peer.example.org", Ports: PeerPorts{TCP: 50001}}
	kind2, _, err := selectTransport(peer2, "", "wss://tcp-proxy")
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, kind2)
}

func TestSelectTransportHonorsPreference(t *testing.T) {
	prefer := TransportTCP
	peer := Peer{Host: "peer.example.org", Ports: PeerPorts{TCP: 50001, SSL: 50002, WSS: 50004}, PreferTransport: &prefer}
	kind, _, err := selectTransport(peer, "wss://ssl-proxy", "wss://tcp-proxy")
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, kind)
}

func TestSelectTransportNoSuitableTransport(t *testing.T) {
	peer := Peer{Host: "peer.example.org"}
	_, _, err := selectTransport(peer, "", "")
	require.Error(t, err)
	agentErr, ok := err.(*AgentError)
	require.True(t, ok)
	assert.Equal(t, KindNoSuitableTransport, agentErr.Kind)
}
