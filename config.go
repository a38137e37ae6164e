package electrum

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Well-known genesis hashes, used to verify server.features.genesis_hash
// during handshake.
const (
	MainnetGenesisHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	TestnetGenesisHash = "000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943"
)

// GenesisConfig is the process-wide configured record naming the network
// this process talks to. Constructed once; changing it mid-process is
// undefined.
type GenesisConfig struct {
	NetworkName string
	GenesisHash string
}

// MainnetGenesis returns the standard mainnet genesis configuration.
func MainnetGenesis() GenesisConfig {
	return GenesisConfig{NetworkName: "mainnet", GenesisHash: MainnetGenesisHash}
}

// TestnetGenesis returns the standard testnet3 genesis configuration.
func TestnetGenesis() GenesisConfig {
	return GenesisConfig{NetworkName: "testnet", GenesisHash: TestnetGenesisHash}
}

// Config is the immutable configuration record threaded through Agent and
// ElectrumApi construction.
type Config struct {
	// TCPProxyURL and SSLProxyURL address a tunneling proxy for the
	// respective transport. Empty disables that transport. The value is
	// dialed as a host:port address (plain TCP for TCPProxyURL, TLS for
	// SSLProxyURL); a URL scheme such as "wss://" is not interpreted, and
	// the proxy is not reached over a websocket.
	TCPProxyURL string
	SSLProxyURL string

	// Genesis is the process-wide network identity record.
	Genesis GenesisConfig

	// ClientID is sent as the agent string during server.version. Any
	// identifier string is acceptable to the protocol; defaults to
	// "electrum-agent".
	ClientID string

	// Logger receives structured log entries; nil falls back to
	// logrus.StandardLogger() at its default level.
	Logger *logrus.Logger

	// HandshakeTimeout and BlockTimeout bound the handshake and initial
	// head sync respectively; both default to 4s.
	HandshakeTimeout time.Duration
	BlockTimeout     time.Duration

	// PingInterval and PingTimeout govern steady-state liveness probing,
	// default to 60s and 10s.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "electrum-agent"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 4 * time.Second
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 4 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 60 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}
