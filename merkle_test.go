package electrum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doubleSha256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// TestVerifyMerkleProofSingleLevel builds a one-sibling Merkle path by hand
// using crypto/sha256 directly (independent of Codec.Sha256d) and checks
// VerifyMerkleProof reconstructs the same root.
func TestVerifyMerkleProofSingleLevel(t *testing.T) {
	txHash := strings.Repeat("11", 32)
	pairHash := strings.Repeat("22", 32)

	txBytes, err := hex.DecodeString(txHash)
	require.NoError(t, err)
	pairBytes, err := hex.DecodeString(pairHash)
	require.NoError(t, err)

	nodeLE := reverse(txBytes)
	pairLE := reverse(pairBytes)

	// pos = 0 is even: node || pair
	combined := append(append([]byte{}, nodeLE...), pairLE...)
	rootLE := doubleSha256(combined)
	rootHex := hex.EncodeToString(reverse(rootLE))

	valid, err := VerifyMerkleProof(txHash, []string{pairHash}, 0, rootHex)
	require.NoError(t, err)
	assert.True(t, valid)
}

// TestVerifyMerkleProofOddPositionSwapsOrder confirms pos=1 concatenates
// pair before node, not node before pair.
func TestVerifyMerkleProofOddPositionSwapsOrder(t *testing.T) {
	txHash := strings.Repeat("33", 32)
	pairHash := strings.Repeat("44", 32)

	txBytes, _ := hex.DecodeString(txHash)
	pairBytes, _ := hex.DecodeString(pairHash)

	nodeLE := reverse(txBytes)
	pairLE := reverse(pairBytes)

	// pos = 1 is odd: pair || node
	combined := append(append([]byte{}, pairLE...), nodeLE...)
	rootLE := doubleSha256(combined)
	rootHex := hex.EncodeToString(reverse(rootLE))

	valid, err := VerifyMerkleProof(txHash, []string{pairHash}, 1, rootHex)
	require.NoError(t, err)
	assert.True(t, valid)

	// The even-position concatenation order should NOT reproduce this root.
	wrongRootLE := doubleSha256(append(append([]byte{}, nodeLE...), pairLE...))
	wrongRootHex := hex.EncodeToString(reverse(wrongRootLE))
	assert.NotEqual(t, rootHex, wrongRootHex)
}

// TestVerifyMerkleProofFlippedByteFails checks that flipping one
// byte of a pair hash invalidates the proof.
func TestVerifyMerkleProofFlippedByteFails(t *testing.T) {
	txHash := strings.Repeat("55", 32)
	goodPair := strings.Repeat("66", 32)
	badPair := "67" + goodPair[2:]

	txBytes, _ := hex.DecodeString(txHash)
	pairBytes, _ := hex.DecodeString(goodPair)
	nodeLE := reverse(txBytes)
	pairLE := reverse(pairBytes)
	rootLE := doubleSha256(append(append([]byte{}, nodeLE...), pairLE...))
	rootHex := hex.EncodeToString(reverse(rootLE))

	valid, err := VerifyMerkleProof(txHash, []string{badPair}, 0, rootHex)
	require.NoError(t, err)
	assert.False(t, valid)
}
