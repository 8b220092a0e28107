// Copyright 2025 The labchain Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of all chain hashes in bytes
const HashSize = 32

// Hash is a blake2b-256 digest. The zero value doubles as the
// predecessor sentinel of the genesis block
type Hash [HashSize]byte

// NewHash returns a Hash from the provided raw bytes
func NewHash(data []byte) Hash {
	h := Hash{}
	copy(h[:], data)
	return h
}

// NewHashFromHex returns a Hash from the provided hex string
func NewHashFromHex(s string) (Hash, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf(
			"invalid hash length: expected %d bytes, got %d",
			HashSize,
			len(data),
		)
	}
	return NewHash(data), nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether the hash is the all-zero sentinel value
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	tmpHash, err := NewHashFromHex(s)
	if err != nil {
		return err
	}
	*h = tmpHash
	return nil
}

// NewHasher returns a fresh incremental blake2b-256 hasher
func NewHasher() hash.Hash {
	tmpHash, err := blake2b.New(HashSize, nil)
	if err != nil {
		panic(
			fmt.Sprintf(
				"unexpected error generating empty blake2b hash: %s",
				err,
			),
		)
	}
	return tmpHash
}

// HashValue generates a blake2b-256 hash from the provided data
func HashValue(data []byte) Hash {
	tmpHash := NewHasher()
	tmpHash.Write(data)
	return NewHash(tmpHash.Sum(nil))
}

// HexBytes is a byte slice that marshals to/from a hex string in JSON
type HexBytes []byte

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	tmpData, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = tmpData
	return nil
}
