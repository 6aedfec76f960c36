package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

const hashSize = len(automerge.ChangeHash{})

// EncodeStateVector packs head hashes into a compact byte slice.
func EncodeStateVector(heads []automerge.ChangeHash) []byte {
	out := make([]byte, 0, len(heads)*hashSize)
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeStateVector is the inverse of EncodeStateVector.
func DecodeStateVector(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw)%hashSize != 0 {
		return nil, fmt.Errorf("state vector length %d is not a multiple of %d", len(raw), hashSize)
	}
	heads := make([]automerge.ChangeHash, 0, len(raw)/hashSize)
	for i := 0; i < len(raw); i += hashSize {
		var h automerge.ChangeHash
		copy(h[:], raw[i:i+hashSize])
		heads = append(heads, h)
	}
	return heads, nil
}
