package electrum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// Protocol version tags. The Agent negotiates the range Protocol14 through
// Protocol14_2.
const (
	Protocol10   = "1.0"
	Protocol11   = "1.1"
	Protocol12   = "1.2"
	Protocol14   = "1.4"
	Protocol14_2 = "1.4.2"
)

// VersionInfo is the result of server.version.
type VersionInfo struct {
	Software string
	Protocol string
}

// ServerFeaturesInfo is the result of server.features.
type ServerFeaturesInfo struct {
	Hosts         map[string]struct {
		SSLPort uint `json:"ssl_port"`
		TCPPort uint `json:"tcp_port"`
	} `json:"hosts"`
	GenesisHash   string `json:"genesis_hash"`
	HashFunction  string `json:"hash_function"`
	ServerVersion string `json:"server_version"`
	ProtocolMax   string `json:"protocol_max"`
	ProtocolMin   string `json:"protocol_min"`
}

// Balance is the confirmed/unconfirmed satoshi balance.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// Receipt is an Electrum history entry: block_height <= 0
// means unconfirmed (-1 = unconfirmed parent, 0 = unconfirmed).
type Receipt struct {
	BlockHeight     int32
	TransactionHash string
	Fee             *int64
}

type wireReceipt struct {
	Height int32  `json:"height"`
	Hash   string `json:"tx_hash"`
	Fee    *int64 `json:"fee,omitempty"`
}

type wireMerkle struct {
	BlockHeight int32    `json:"block_height"`
	Pos         uint64   `json:"pos"`
	Merkle      []string `json:"merkle"`
}

// ElectrumApi is the thin typed method surface over RpcChannel, converting raw JSON payloads to plain structures via Codec and
// AddressDeriver.
//
// Grounded in the prior ServerVersion/ServerFeatures/ServerPeers/
// ScriptHashBalance/ScriptHashHistory/BlockHeader/BroadcastTransaction/
// GetTransaction/EstimateFee/TransactionMerkle, generalized to route
// through the Codec/AddressDeriver boundary instead of returning ad hoc
// JSON-shaped structs.
type ElectrumApi struct {
	channel *RpcChannel
	codec   *Codec
	deriver *AddressDeriver
	genesis GenesisConfig
}

// NewElectrumApi constructs the typed API surface over an already-built
// RpcChannel.
func NewElectrumApi(channel *RpcChannel, codec *Codec, deriver *AddressDeriver, genesis GenesisConfig) *ElectrumApi {
	return &ElectrumApi{channel: channel, codec: codec, deriver: deriver, genesis: genesis}
}

func decodeResult(result interface{}, out interface{}) error {
	b, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal rpc result")
	}
	return errors.Wrap(json.Unmarshal(b, out), "unmarshal rpc result")
}

// SetProtocolVersion performs the server.version handshake step, failing with IncompatibleProtocol if the server cannot satisfy
// [min, max].
func (a *ElectrumApi) SetProtocolVersion(clientID string, min, max string) (*VersionInfo, error) {
	result, err := a.channel.Request("server.version", clientID, []string{min, max})
	if err != nil {
		return nil, errIncompatibleProtocol(err)
	}

	var pair []string
	if err := decodeResult(result, &pair); err != nil || len(pair) != 2 {
		return nil, errIncompatibleProtocol(err)
	}

	constraint, err := semver.NewConstraint(">= " + min + ", <= " + max)
	if err == nil {
		if v, verr := semver.NewVersion(pair[1]); verr == nil && !constraint.Check(v) {
			return nil, errIncompatibleProtocol(errors.Errorf("server protocol %s outside [%s, %s]", pair[1], min, max))
		}
	}

	return &VersionInfo{Software: pair[0], Protocol: pair[1]}, nil
}

// GetFeatures runs server.features, used to check the peer's genesis hash
// during handshake.
func (a *ElectrumApi) GetFeatures() (*ServerFeaturesInfo, error) {
	result, err := a.channel.Request("server.features")
	if err != nil {
		return nil, err
	}
	info := &ServerFeaturesInfo{}
	if err := decodeResult(result, info); err != nil {
		return nil, errProtocolError(err)
	}
	return info, nil
}

// Ping runs server.ping, the steady-state liveness probe.
func (a *ElectrumApi) Ping() error {
	_, err := a.channel.Request("server.ping")
	return err
}

// GetPeers runs server.peers.subscribe and parses the feature-token
// vocabulary into Peer records.
func (a *ElectrumApi) GetPeers() ([]Peer, error) {
	result, err := a.channel.Request("server.peers.subscribe")
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := decodeResult(result, &raw); err != nil {
		return nil, errProtocolError(err)
	}

	peers := make([]Peer, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 3 {
			continue
		}
		ip, _ := entry[0].(string)
		host, _ := entry[1].(string)
		rawTokens, _ := entry[2].([]interface{})
		tokens := make([]string, 0, len(rawTokens))
		for _, t := range rawTokens {
			if s, ok := t.(string); ok {
				tokens = append(tokens, s)
			}
		}
		peer := ParsePeerFeatures(host, tokens, a.genesis.NetworkName)
		peer.IP = ip
		peers = append(peers, peer)
	}
	return peers, nil
}

// GetBalance runs blockchain.scripthash.get_balance for the given address.
func (a *ElectrumApi) GetBalance(address string) (*Balance, error) {
	scriptHash, err := a.deriver.AddressToScriptHash(address)
	if err != nil {
		return nil, err
	}
	result, err := a.channel.Request("blockchain.scripthash.get_balance", scriptHash)
	if err != nil {
		return nil, err
	}
	balance := &Balance{}
	if err := decodeResult(result, balance); err != nil {
		return nil, errProtocolError(err)
	}
	return balance, nil
}

// GetReceipts runs blockchain.scripthash.get_history for the given
// address or scripthash. Anything that is not a 64-character hex string is
// treated as an address and converted to its scripthash first.
func (a *ElectrumApi) GetReceipts(scriptHash string) ([]Receipt, error) {
	if _, err := hex.DecodeString(scriptHash); err != nil || len(scriptHash) != 64 {
		converted, err := a.deriver.AddressToScriptHash(scriptHash)
		if err != nil {
			return nil, err
		}
		scriptHash = converted
	}
	result, err := a.channel.Request("blockchain.scripthash.get_history", scriptHash)
	if err != nil {
		return nil, err
	}
	var wire []wireReceipt
	if err := decodeResult(result, &wire); err != nil {
		return nil, errProtocolError(err)
	}
	receipts := make([]Receipt, 0, len(wire))
	for _, w := range wire {
		receipts = append(receipts, Receipt{BlockHeight: w.Height, TransactionHash: w.Hash, Fee: w.Fee})
	}
	return receipts, nil
}

// GetTransaction fetches a raw transaction and, when block is non-nil,
// additionally verifies its Merkle inclusion proof against block's
// merkle_root, attaching block fields only on success.
func (a *ElectrumApi) GetTransaction(hash string, block *PlainBlockHeader) (*PlainTransaction, error) {
	result, err := a.channel.Request("blockchain.transaction.get", hash)
	if err != nil {
		return nil, err
	}
	rawHex, ok := result.(string)
	if !ok {
		return nil, errProtocolError(errors.New("transaction.get did not return a hex string"))
	}

	tx, err := a.codec.ParseTransaction(rawHex)
	if err != nil {
		return nil, err
	}

	if block == nil {
		return tx, nil
	}

	if err := a.verifyMerkle(hash, block); err != nil {
		return nil, err
	}

	tx.BlockHash = &block.BlockHash
	height := block.BlockHeight
	tx.BlockHeight = &height
	tx.Timestamp = &block.Timestamp
	return tx, nil
}

// proofTransaction runs a standalone Merkle proof for a transaction
// already known to be stored, without re-fetching its raw hex.
func (a *ElectrumApi) proofTransaction(hash string, block *PlainBlockHeader) error {
	return a.verifyMerkle(hash, block)
}

func (a *ElectrumApi) verifyMerkle(hash string, block *PlainBlockHeader) error {
	result, err := a.channel.Request("blockchain.transaction.get_merkle", hash, strconv.Itoa(int(block.BlockHeight)))
	if err != nil {
		return err
	}
	var proof wireMerkle
	if err := decodeResult(result, &proof); err != nil {
		return errProtocolError(err)
	}
	if proof.BlockHeight != block.BlockHeight {
		return &MerkleProofInvalidError{Hash: hash, Height: block.BlockHeight}
	}

	valid, err := VerifyMerkleProof(hash, proof.Merkle, proof.Pos, derefOr(block.MerkleRoot, ""))
	if err != nil {
		return errProtocolError(err)
	}
	if !valid {
		return &MerkleProofInvalidError{Hash: hash, Height: block.BlockHeight}
	}
	return nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// GetBlockHeader runs blockchain.block.header for the given height.
func (a *ElectrumApi) GetBlockHeader(height int32) (*PlainBlockHeader, error) {
	result, err := a.channel.Request("blockchain.block.header", height)
	if err != nil {
		return nil, err
	}
	rawHex, ok := result.(string)
	if !ok {
		return nil, errProtocolError(errors.New("block.header did not return a hex string"))
	}
	return a.codec.ParseHeader(rawHex, height)
}

// BroadcastTransaction pre-parses raw to get the expected hash, then calls
// blockchain.transaction.broadcast; when the server returns something
// other than that hash, it's treated as the Electrum v1.0 legacy error
// path and surfaced as BroadcastRejected.
func (a *ElectrumApi) BroadcastTransaction(raw string) (string, error) {
	expected, err := a.codec.ParseTransaction(raw)
	if err != nil {
		return "", err
	}

	result, err := a.channel.Request("blockchain.transaction.broadcast", raw)
	if err != nil {
		return "", err
	}
	txid, ok := result.(string)
	if !ok {
		return "", errProtocolError(errors.New("broadcast did not return a string"))
	}
	if txid != expected.TransactionHash {
		return "", &BroadcastRejectedError{Message: txid}
	}
	return txid, nil
}

// GetFeeHistogram runs mempool.get_fee_histogram.
func (a *ElectrumApi) GetFeeHistogram() ([][2]float64, error) {
	result, err := a.channel.Request("mempool.get_fee_histogram")
	if err != nil {
		return nil, err
	}
	var histogram [][2]float64
	if err := decodeResult(result, &histogram); err != nil {
		return nil, errProtocolError(err)
	}
	return histogram, nil
}

// EstimateFee runs blockchain.estimatefee for the given confirmation
// target, in BTC/kB.
func (a *ElectrumApi) EstimateFee(target int) (float64, error) {
	result, err := a.channel.Request("blockchain.estimatefee", target)
	if err != nil {
		return 0, err
	}
	fee, ok := result.(float64)
	if !ok {
		return 0, errProtocolError(errors.New("estimatefee did not return a number"))
	}
	return fee, nil
}

// GetRelayFee runs blockchain.relayfee.
func (a *ElectrumApi) GetRelayFee() (float64, error) {
	result, err := a.channel.Request("blockchain.relayfee")
	if err != nil {
		return 0, err
	}
	fee, ok := result.(float64)
	if !ok {
		return 0, errProtocolError(errors.New("relayfee did not return a number"))
	}
	return fee, nil
}

// SubscribeHeaders subscribes to blockchain.headers.subscribe, delivering
// the initial notification and all subsequent pushes as PlainBlockHeader;
// the initial notification is treated as a normal block arrival by the
// caller, same as any later push.
func (a *ElectrumApi) SubscribeHeaders(ctx context.Context, cb func(PlainBlockHeader)) error {
	return a.channel.Subscribe(ctx, "blockchain.headers.subscribe", nil, func(m *rpcResponse) {
		a.dispatchHeader(m.Result, cb)
		if m.Params != nil {
			if list, ok := m.Params.([]interface{}); ok {
				for _, p := range list {
					a.dispatchHeader(p, cb)
				}
			}
		}
	})
}

func (a *ElectrumApi) dispatchHeader(raw interface{}, cb func(PlainBlockHeader)) {
	if raw == nil {
		return
	}
	var wire struct {
		Height int32  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := decodeResult(raw, &wire); err != nil {
		return
	}
	header, err := a.codec.ParseHeader(wire.Hex, wire.Height)
	if err != nil {
		return
	}
	cb(*header)
}

// SubscribeReceipts subscribes to blockchain.scripthash.subscribe for the
// given address, delivering the raw status hash on each notification; the
// Agent is responsible for fetching and diffing the full history snapshot
// on status change.
func (a *ElectrumApi) SubscribeReceipts(ctx context.Context, address string, cb func(status *string)) error {
	scriptHash, err := a.deriver.AddressToScriptHash(address)
	if err != nil {
		return err
	}
	return a.channel.Subscribe(ctx, "blockchain.scripthash.subscribe", []any{scriptHash}, func(m *rpcResponse) {
		cb(statusOf(m.Result))
		if m.Params != nil {
			if list, ok := m.Params.([]interface{}); ok && len(list) > 1 {
				cb(statusOf(list[1]))
			}
		}
	})
}

func statusOf(raw interface{}) *string {
	if raw == nil {
		return nil
	}
	if s, ok := raw.(string); ok {
		return &s
	}
	return nil
}
