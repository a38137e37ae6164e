package electrum

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptShape names a recognized input script/witness shape.
type ScriptShape string

const (
	ShapeP2PKH         ScriptShape = "P2PKH"
	ShapeP2SHP2WPKH    ScriptShape = "P2SH-P2WPKH"
	ShapeP2WPKH        ScriptShape = "P2WPKH"
	ShapeP2SHP2MS      ScriptShape = "P2SH-P2MS"
	ShapeP2SHP2WSHP2MS ScriptShape = "P2SH-P2WSH-P2MS"
	ShapeP2WSHP2MS     ScriptShape = "P2WSH-P2MS"
)

// AddressDeriver maps output scripts to address strings and classifies
// inputs by their (chunk, witness-item) shape to recover the paying
// address.
//
// Grounded in square-beancounter/deriver (txscript.MultiSigScript /
// NewScriptBuilder for building multisig redeem scripts, btcutil address
// construction) and the Klingon-tech Electrum backend's
// addressToScriptPubKey (bech32 + txscript.PayToAddrScript), which derive
// scripthashes and addresses the same way.
type AddressDeriver struct {
	network *chaincfg.Params
}

// NewAddressDeriver constructs a deriver bound to a network's address
// parameters (chaincfg.MainNetParams or chaincfg.TestNet3Params).
func NewAddressDeriver(network *chaincfg.Params) *AddressDeriver {
	return &AddressDeriver{network: network}
}

// ClassifyInput recovers the paying address for an input given its
// signature script and witness stack. Unmatched shapes return nil
// (recorded, not fatal).
func (d *AddressDeriver) ClassifyInput(script []byte, witness [][]byte) *string {
	chunks, err := txscript.PushedData(script)
	if err != nil {
		chunks = nil
	}
	nChunks, nWitness := len(chunks), len(witness)

	switch {
	case nChunks == 2 && nWitness == 0:
		return d.pubKeyHashAddress(chunks[1], false)
	case nChunks == 1 && nWitness == 2:
		return d.scriptHashAddress(chunks[0], false)
	case nChunks == 0 && nWitness == 2:
		return d.pubKeyHashAddress(witness[1], true)
	case nChunks > 2:
		return d.scriptHashAddress(chunks[len(chunks)-1], false)
	case nChunks == 1 && nWitness > 2:
		return d.scriptHashAddress(chunks[0], false)
	case nChunks == 0 && nWitness > 2:
		return d.scriptHashAddress(witness[len(witness)-1], true)
	default:
		return nil
	}
}

func (d *AddressDeriver) pubKeyHashAddress(pubKey []byte, witness bool) *string {
	hash160 := btcutil.Hash160(pubKey)
	var addr btcutil.Address
	var err error
	if witness {
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash160, d.network)
	} else {
		addr, err = btcutil.NewAddressPubKeyHash(hash160, d.network)
	}
	if err != nil {
		return nil
	}
	s := addr.EncodeAddress()
	return &s
}

func (d *AddressDeriver) scriptHashAddress(redeemScript []byte, witness bool) *string {
	var addr btcutil.Address
	var err error
	if witness {
		sum := sha256.Sum256(redeemScript)
		addr, err = btcutil.NewAddressWitnessScriptHash(sum[:], d.network)
	} else {
		addr, err = btcutil.NewAddressScriptHash(redeemScript, d.network)
	}
	if err != nil {
		return nil
	}
	s := addr.EncodeAddress()
	return &s
}

// AddressFromOutputScript derives the paying address from an output
// script, the reverse direction of ClassifyInput.
func (d *AddressDeriver) AddressFromOutputScript(script []byte) (*string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, d.network)
	if err != nil || len(addrs) == 0 {
		return nil, nil
	}
	s := addrs[0].EncodeAddress()
	return &s, nil
}

// AddressToScriptHash computes reverse_bytes(SHA-256(output_script(addr)))
// as lowercase hex, the form Electrum uses to key scripthash subscriptions.
func (d *AddressDeriver) AddressToScriptHash(address string) (string, error) {
	addr, err := btcutil.DecodeAddress(address, d.network)
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(script)
	return hex.EncodeToString(ReverseBytes(sum[:])), nil
}
