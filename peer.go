package electrum

import (
	"strconv"
	"strings"
)

// TransportKind tags which of the three transports a Peer is reached
// through. TCP and SSL only ever reach a peer through a configured
// tunneling proxy; WSS reaches the peer directly.
type TransportKind int

const (
	TransportTCP TransportKind = iota
	TransportSSL
	TransportWSS
)

func (t TransportKind) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportSSL:
		return "ssl"
	case TransportWSS:
		return "wss"
	default:
		return "unknown"
	}
}

// Default ports per network, used when a peer's feature token carries no
// explicit port.
const (
	MainnetTCPPort = 50001
	MainnetSSLPort = 50002
	MainnetWSSPort = 50004

	TestnetTCPPort = 60001
	TestnetSSLPort = 60002
	TestnetWSSPort = 60004
)

// PeerPorts records the advertised port for each transport; zero means the
// transport is unavailable on this peer.
type PeerPorts struct {
	TCP int
	SSL int
	WSS int
}

// Peer is immutable after construction.
type Peer struct {
	IP              string
	Host            string
	Version         string
	PruningLimit    *int
	Ports           PeerPorts
	WSSPath         string
	PreferTransport *TransportKind
}

// DefaultPorts returns the Electrum protocol's well-known ports for the
// given network name ("mainnet" or "testnet"), used to fill in a peer
// feature token that specifies a transport with no explicit port.
func DefaultPorts(network string) PeerPorts {
	if network == "testnet" {
		return PeerPorts{TCP: TestnetTCPPort, SSL: TestnetSSLPort, WSS: TestnetWSSPort}
	}
	return PeerPorts{TCP: MainnetTCPPort, SSL: MainnetSSLPort, WSS: MainnetWSSPort}
}

// ParsePeerFeatures parses the token vocabulary advertised by
// server.peers.subscribe: v<ver>, p<prune>, t[<port>],
// s[<port>], w[<port>]. An empty port means the network default.
//
// Grounded in square-beancounter's backend.addPeer and
// backend/electrum.ServerPeersSubscribe, which parse the same "t"/"s"
// prefixed token vocabulary to pick a transport and port.
func ParsePeerFeatures(host string, tokens []string, network string) Peer {
	defaults := DefaultPorts(network)
	peer := Peer{Host: host}

	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		switch tok[0] {
		case 'v':
			peer.Version = tok[1:]
		case 'p':
			if n, err := strconv.Atoi(tok[1:]); err == nil {
				peer.PruningLimit = &n
			}
		case 't':
			peer.Ports.TCP = portOrDefault(tok[1:], defaults.TCP)
		case 's':
			peer.Ports.SSL = portOrDefault(tok[1:], defaults.SSL)
		case 'w':
			peer.Ports.WSS = portOrDefault(tok[1:], defaults.WSS)
		}
	}

	return peer
}

func portOrDefault(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}

// selectTransport implements the constructor-time, deterministic transport
// selection: prefer_transport if set and available, else WSS, then SSL,
// then TCP, erroring with NoSuitableTransport if none apply.
func selectTransport(peer Peer, sslProxyURL, tcpProxyURL string) (TransportKind, int, error) {
	candidates := func(kind TransportKind) (int, bool) {
		switch kind {
		case TransportWSS:
			return peer.Ports.WSS, peer.Ports.WSS != 0
		case TransportSSL:
			return peer.Ports.SSL, peer.Ports.SSL != 0 && sslProxyURL != ""
		case TransportTCP:
			return peer.Ports.TCP, peer.Ports.TCP != 0 && tcpProxyURL != ""
		}
		return 0, false
	}

	if peer.PreferTransport != nil {
		if port, ok := candidates(*peer.PreferTransport); ok {
			return *peer.PreferTransport, port, nil
		}
	}

	for _, kind := range []TransportKind{TransportWSS, TransportSSL, TransportTCP} {
		if port, ok := candidates(kind); ok {
			return kind, port, nil
		}
	}

	return 0, 0, errNoSuitableTransport(peer.Host)
}
