// Package merkle computes merkle root hashes over opaque byte leaves.
package merkle

import "golang.org/x/crypto/blake2b"

// HashSize is the size of tree node hashes in bytes
const HashSize = blake2b.Size256

// RootHash computes the merkle root over the given leaves: each leaf is
// hashed with blake2b-256, then adjacent pairs are hashed together level
// by level, promoting an odd trailing node unchanged. An empty leaf list
// hashes to the digest of no input
func RootHash(leaves [][]byte) [HashSize]byte {
	if len(leaves) == 0 {
		return blake2b.Sum256(nil)
	}
	level := make([][HashSize]byte, 0, len(leaves))
	for _, leaf := range leaves {
		level = append(level, blake2b.Sum256(leaf))
	}
	for len(level) > 1 {
		next := make([][HashSize]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			pair := make([]byte, 0, 2*HashSize)
			pair = append(pair, level[i][:]...)
			pair = append(pair, level[i+1][:]...)
			next = append(next, blake2b.Sum256(pair))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}
