package electrum

import "fmt"

// ErrorKind tags the fixed set of error variants the core can produce.
type ErrorKind int

const (
	KindNoSuitableTransport ErrorKind = iota
	KindIncompatibleProtocol
	KindWrongGenesis
	KindHandshakeTimeout
	KindBlockTimeout
	KindPingTimeout
	KindConnectionLost
	KindRPCError
	KindProtocolError
	KindMerkleProofInvalid
	KindBroadcastRejected
	KindNotSynced
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoSuitableTransport:
		return "no_suitable_transport"
	case KindIncompatibleProtocol:
		return "incompatible_protocol"
	case KindWrongGenesis:
		return "wrong_genesis"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindBlockTimeout:
		return "block_timeout"
	case KindPingTimeout:
		return "ping_timeout"
	case KindConnectionLost:
		return "connection_lost"
	case KindRPCError:
		return "rpc_error"
	case KindProtocolError:
		return "protocol_error"
	case KindMerkleProofInvalid:
		return "merkle_proof_invalid"
	case KindBroadcastRejected:
		return "broadcast_rejected"
	case KindNotSynced:
		return "not_synced"
	default:
		return "unknown"
	}
}

// AgentError is the tagged error variant surfaced across Agent, RpcChannel
// and ElectrumApi boundaries. Fatal kinds (everything except RPCError,
// MerkleProofInvalid, BroadcastRejected and NotSynced) transition the owning
// Agent to CLOSED.
type AgentError struct {
	Kind   ErrorKind
	Reason string
	Cause  error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

func (e *AgentError) Unwrap() error { return e.Cause }

// Fatal reports whether this error kind is agent-fatal (transitions to
// CLOSED) as opposed to a per-call error returned to the caller unchanged.
func (e *AgentError) Fatal() bool {
	switch e.Kind {
	case KindRPCError, KindMerkleProofInvalid, KindBroadcastRejected, KindNotSynced:
		return false
	default:
		return true
	}
}

func newAgentError(kind ErrorKind, reason string, cause error) *AgentError {
	return &AgentError{Kind: kind, Reason: reason, Cause: cause}
}

func errNoSuitableTransport(peerHost string) error {
	return newAgentError(KindNoSuitableTransport, fmt.Sprintf("no usable transport for peer %s", peerHost), nil)
}

func errIncompatibleProtocol(cause error) error {
	return newAgentError(KindIncompatibleProtocol, "server cannot satisfy protocol range", cause)
}

func errWrongGenesis(got, want string) error {
	return newAgentError(KindWrongGenesis, fmt.Sprintf("Wrong genesis: got %s want %s", got, want), nil)
}

func errHandshakeTimeout() error {
	return newAgentError(KindHandshakeTimeout, "Handshake timeout", nil)
}

func errBlockTimeout() error {
	return newAgentError(KindBlockTimeout, "Block timeout", nil)
}

func errPingTimeout() error {
	return newAgentError(KindPingTimeout, "ping timeout", nil)
}

func errConnectionLost(reason string) error {
	return newAgentError(KindConnectionLost, reason, nil)
}

func errProtocolError(cause error) error {
	return newAgentError(KindProtocolError, "malformed frame", cause)
}

func errNotSynced() error {
	return newAgentError(KindNotSynced, "agent is not synced", nil)
}

// RPCError mirrors the JSON-RPC error object returned by the peer.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MerkleProofInvalidError is returned when a computed Merkle root does not
// match the claimed block header.
type MerkleProofInvalidError struct {
	Hash   string
	Height int32
}

func (e *MerkleProofInvalidError) Error() string {
	return fmt.Sprintf("merkle proof invalid for %s at height %d", e.Hash, e.Height)
}

// BroadcastRejectedError wraps the legacy (pre-1.1) broadcast error path,
// where the server returns its rejection message in place of a txid.
type BroadcastRejectedError struct {
	Message string
}

func (e *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s", e.Message)
}
