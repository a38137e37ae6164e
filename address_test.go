package electrum

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// secp256k1 generator point, compressed encoding; a fixed, widely-used
// reference pubkey.
const generatorPubKeyHex = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestClassifyInputP2PKH(t *testing.T) {
	deriver := NewAddressDeriver(&chaincfg.MainNetParams)
	pubKey, err := hex.DecodeString(generatorPubKeyHex)
	require.NoError(t, err)

	sig := []byte{0x30, 0x01, 0x02} // placeholder signature push
	script, err := txscript.NewScriptBuilder().AddData(sig).AddData(pubKey).Script()
	require.NoError(t, err)

	addr := deriver.ClassifyInput(script, nil)
	require.NotNil(t, addr)

	expected, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), &chaincfg.MainNetParams)
	require.NoError(t, err)
	assert.Equal(t, expected.EncodeAddress(), *addr)
}

func TestClassifyInputP2WPKHNative(t *testing.T) {
	deriver := NewAddressDeriver(&chaincfg.MainNetParams)
	pubKey, err := hex.DecodeString(generatorPubKeyHex)
	require.NoError(t, err)

	sig := []byte{0x30, 0x01, 0x02}
	witness := [][]byte{sig, pubKey}

	addr := deriver.ClassifyInput(nil, witness)
	require.NotNil(t, addr)

	expected, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey), &chaincfg.MainNetParams)
	require.NoError(t, err)
	assert.Equal(t, expected.EncodeAddress(), *addr)
}

func TestClassifyInputUnmatchedShapeReturnsNil(t *testing.T) {
	deriver := NewAddressDeriver(&chaincfg.MainNetParams)
	addr := deriver.ClassifyInput(nil, nil)
	assert.Nil(t, addr)
}

func TestAddressToScriptHashIsPureAndDeterministic(t *testing.T) {
	deriver := NewAddressDeriver(&chaincfg.MainNetParams)
	pubKey, err := hex.DecodeString(generatorPubKeyHex)
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), &chaincfg.MainNetParams)
	require.NoError(t, err)

	first, err := deriver.AddressToScriptHash(addr.EncodeAddress())
	require.NoError(t, err)
	second, err := deriver.AddressToScriptHash(addr.EncodeAddress())
	require.NoError(t, err)

	assert.Equal(t, first, second, "address_to_script_hash must be a pure function of (address, network)")
	assert.Len(t, first, 64, "scripthash is a 32-byte value hex-encoded")
}
