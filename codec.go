package electrum

import (
	"bytes"
	"encoding/hex"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// headerSize is the fixed wire size of a Bitcoin block header; it carries
// no witness component so its weight is simply 4x its byte size.
const headerSize = 80

// PlainBlockHeader is the structural, Electrum-agnostic view of a block
// header.
type PlainBlockHeader struct {
	BlockHash   string
	BlockHeight int32
	Timestamp   uint32
	Bits        uint32
	Nonce       uint32
	Version     int32
	Weight      int
	PrevHash    *string
	MerkleRoot  *string
}

// PlainOutput is the structural view of a transaction output.
type PlainOutput struct {
	Script  string
	Address *string
	Value   int64
	Index   int
}

// PlainInput is the structural view of a transaction input.
type PlainInput struct {
	Script          string
	TransactionHash string
	Address         *string
	Witness         []string
	Index           int
	OutputIndex     uint32
	Sequence        uint32
}

// PlainTransaction is the structural, fully decoded view of a Bitcoin
// transaction. Block fields are nil until attached by
// ElectrumApi.GetTransaction after a successful Merkle proof.
type PlainTransaction struct {
	TransactionHash string
	Inputs          []PlainInput
	Outputs         []PlainOutput
	Version         int32
	Vsize           int
	IsCoinbase      bool
	Weight          int
	BlockHash       *string
	BlockHeight     *int32
	Timestamp       *uint32
	ReplaceByFee    bool
}

// Codec parses and serializes raw Bitcoin transactions and block headers,
// and recovers addresses for inputs/outputs via an AddressDeriver.
//
// Grounded in rderimay-bitbox-wallet-app's Electrum client (wire.MsgTx /
// wire.BlockHeader decode loop) and square-beancounter's accounter, which
// decode the same Electrum raw-hex payloads through btcsuite/btcd/wire.
type Codec struct {
	deriver *AddressDeriver
}

// NewCodec constructs a Codec that recovers addresses through the given
// AddressDeriver (nil disables address recovery, still returning valid
// structural decodes).
func NewCodec(deriver *AddressDeriver) *Codec {
	return &Codec{deriver: deriver}
}

// Sha256d computes SHA-256(SHA-256(x)), returned in the same internal
// (little-endian) byte order btcsuite uses; callers that need the
// big-endian display form should reverse it themselves (see ReverseBytes).
func Sha256d(data []byte) [32]byte {
	return chainhash.DoubleHashH(data)
}

// ReverseBytes returns a new slice with the byte order reversed, used to
// convert between btcsuite's internal little-endian hash order and the
// big-endian hex Electrum speaks at the wire boundary.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// ParseTransaction decodes a raw transaction hex string (legacy or SegWit
// wire form) into a PlainTransaction without block fields attached.
func (c *Codec) ParseTransaction(rawHex string) (*PlainTransaction, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode transaction hex")
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "deserialize transaction")
	}

	return c.fromWireTx(&msgTx)
}

func (c *Codec) fromWireTx(msgTx *wire.MsgTx) (*PlainTransaction, error) {
	var baseBuf bytes.Buffer
	if err := msgTx.SerializeNoWitness(&baseBuf); err != nil {
		return nil, errors.Wrap(err, "serialize base transaction")
	}
	var fullBuf bytes.Buffer
	if err := msgTx.Serialize(&fullBuf); err != nil {
		return nil, errors.Wrap(err, "serialize full transaction")
	}

	weight := baseBuf.Len()*3 + fullBuf.Len()
	vsize := int(math.Ceil(float64(weight) / 4))

	txHash := msgTx.TxHash()

	inputs := make([]PlainInput, 0, len(msgTx.TxIn))
	for idx, in := range msgTx.TxIn {
		witness := make([]string, 0, len(in.Witness))
		witnessBytes := make([][]byte, 0, len(in.Witness))
		for _, item := range in.Witness {
			witness = append(witness, hex.EncodeToString(item))
			witnessBytes = append(witnessBytes, item)
		}

		// A coinbase input spends no previous output, so it has no paying
		// address to recover.
		var address *string
		if c.deriver != nil && !isCoinbase(msgTx) {
			address = c.deriver.ClassifyInput(in.SignatureScript, witnessBytes)
		}

		inputs = append(inputs, PlainInput{
			Script:          hex.EncodeToString(in.SignatureScript),
			TransactionHash: in.PreviousOutPoint.Hash.String(),
			Address:         address,
			Witness:         witness,
			Index:           idx,
			OutputIndex:     in.PreviousOutPoint.Index,
			Sequence:        in.Sequence,
		})
	}

	outputs := make([]PlainOutput, 0, len(msgTx.TxOut))
	for idx, out := range msgTx.TxOut {
		var address *string
		if c.deriver != nil {
			address, _ = c.deriver.AddressFromOutputScript(out.PkScript)
		}
		outputs = append(outputs, PlainOutput{
			Script:  hex.EncodeToString(out.PkScript),
			Address: address,
			Value:   out.Value,
			Index:   idx,
		})
	}

	return &PlainTransaction{
		TransactionHash: txHash.String(),
		Inputs:          inputs,
		Outputs:         outputs,
		Version:         msgTx.Version,
		Vsize:           vsize,
		IsCoinbase:      isCoinbase(msgTx),
		Weight:          weight,
		ReplaceByFee:    hasRBFSignal(msgTx),
	}, nil
}

func isCoinbase(msgTx *wire.MsgTx) bool {
	if len(msgTx.TxIn) != 1 {
		return false
	}
	prevOut := msgTx.TxIn[0].PreviousOutPoint
	return prevOut.Hash == chainhash.Hash{} && prevOut.Index == math.MaxUint32
}

func hasRBFSignal(msgTx *wire.MsgTx) bool {
	for _, in := range msgTx.TxIn {
		if in.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// ParseHeader decodes an 80-byte block header hex string at the given
// height into a PlainBlockHeader. Height 0 (genesis) carries nil
// PrevHash/MerkleRoot.
func (c *Codec) ParseHeader(rawHex string, height int32) (*PlainBlockHeader, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode header hex")
	}
	if len(raw) != headerSize {
		return nil, errors.Errorf("header must be %d bytes, got %d", headerSize, len(raw))
	}

	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "deserialize header")
	}

	blockHash := hdr.BlockHash().String()

	out := &PlainBlockHeader{
		BlockHash:   blockHash,
		BlockHeight: height,
		Timestamp:   uint32(hdr.Timestamp.Unix()),
		Bits:        hdr.Bits,
		Nonce:       hdr.Nonce,
		Version:     hdr.Version,
		Weight:      headerSize * 4,
	}

	if height > 0 {
		prev := hdr.PrevBlock.String()
		root := hdr.MerkleRoot.String()
		out.PrevHash = &prev
		out.MerkleRoot = &root
	}

	return out, nil
}
