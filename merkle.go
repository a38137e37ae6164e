package electrum

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

// VerifyMerkleProof implements the Merkle inclusion verification
// algorithm: given a transaction hash, the server's sibling-hash path and
// position, and the block's merkle_root, confirms the transaction belongs
// to the block.
func VerifyMerkleProof(txHash string, pairHashes []string, pos uint64, merkleRoot string) (bool, error) {
	node, err := reverseHexDecode(txHash)
	if err != nil {
		return false, errors.Wrap(err, "decode tx hash")
	}

	i := pos
	for _, pairHex := range pairHashes {
		pair, err := reverseHexDecode(pairHex)
		if err != nil {
			return false, errors.Wrap(err, "decode pair hash")
		}
		if i%2 == 0 {
			node = sha256dConcat(node, pair)
		} else {
			node = sha256dConcat(pair, node)
		}
		i >>= 1
	}

	computed := hex.EncodeToString(ReverseBytes(node))
	return computed == merkleRoot, nil
}

func reverseHexDecode(h string) ([]byte, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	return ReverseBytes(b), nil
}

func sha256dConcat(a, b []byte) []byte {
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	sum := Sha256d(buf)
	return sum[:]
}
