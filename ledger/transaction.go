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
	"crypto/ed25519"
	"fmt"
	"hash"
	"math/bits"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// addressVersion is the Base58Check version byte of target addresses
const addressVersion byte = 0x17

// addressPayloadSize is the number of public key hash bytes carried in an
// address
const addressPayloadSize = 20

// TransactionInput spends one output of a previous transaction. The
// signature covers the transaction's signing hash and the public key must
// hash to the address of the spent output
type TransactionInput struct {
	TransactionHash Hash     `json:"transaction_hash"`
	OutputIndex     uint32   `json:"output_index"`
	PublicKey       HexBytes `json:"public_key"`
	Signature       HexBytes `json:"signature"`
}

// TransactionTarget is one output of a transaction: an amount paid to an
// address
type TransactionTarget struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Transaction moves value from previously unspent outputs to new targets.
// A transaction with no inputs is the coinbase (mining reward) transaction
// of its block; at most one is allowed per block
type Transaction struct {
	Inputs  []TransactionInput  `json:"inputs"`
	Targets []TransactionTarget `json:"targets"`
	// CoinbaseHeight binds a coinbase to its block, so consecutive
	// rewards paying the same address and amount still have distinct
	// ids. Zero on ordinary transactions
	CoinbaseHeight uint64 `json:"coinbase_height,omitempty"`
}

// IsCoinbase reports whether this is a mining-reward transaction
func (t *Transaction) IsCoinbase() bool {
	return len(t.Inputs) == 0
}

// AddAmounts adds two coin amounts. Amounts wrapping around uint64 are
// rejected rather than truncated; every value summation in consensus
// checks must go through here
func AddAmounts(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

// TotalOutput returns the sum of all target amounts, rejecting sums that
// overflow the amount range
func (t *Transaction) TotalOutput() (uint64, error) {
	var total uint64
	var err error
	for _, target := range t.Targets {
		if total, err = AddAmounts(total, target.Amount); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func writeLenPrefixed(hasher hash.Hash, data []byte) {
	hasher.Write(encodeUint(uint64(len(data))))
	hasher.Write(data)
}

func (t *Transaction) hashContents(includeSignatures bool) Hash {
	hasher := NewHasher()
	hasher.Write(encodeUint(uint64(len(t.Inputs))))
	for _, input := range t.Inputs {
		hasher.Write(input.TransactionHash.Bytes())
		hasher.Write(encodeUint(uint64(input.OutputIndex)))
		writeLenPrefixed(hasher, input.PublicKey)
		if includeSignatures {
			writeLenPrefixed(hasher, input.Signature)
		}
	}
	hasher.Write(encodeUint(uint64(len(t.Targets))))
	for _, target := range t.Targets {
		writeLenPrefixed(hasher, []byte(target.Address))
		hasher.Write(encodeUint(target.Amount))
	}
	hasher.Write(encodeUint(t.CoinbaseHeight))
	return NewHash(hasher.Sum(nil))
}

// Id returns the identity hash of the transaction. Identity covers all
// fields including signatures and supports set membership for double-spend
// exclusion within a block
func (t *Transaction) Id() Hash {
	return t.hashContents(true)
}

// SigningHash returns the hash signed by every input: all transaction
// contents except the signatures themselves
func (t *Transaction) SigningHash() Hash {
	return t.hashContents(false)
}

// Sign fills in the public key and signature of every input using the
// given key. The key must own every output the transaction spends
func (t *Transaction) Sign(key ed25519.PrivateKey) {
	publicKey := key.Public().(ed25519.PublicKey)
	for i := range t.Inputs {
		t.Inputs[i].PublicKey = HexBytes(publicKey)
		t.Inputs[i].Signature = nil
	}
	sigHash := t.SigningHash()
	signature := ed25519.Sign(key, sigHash.Bytes())
	for i := range t.Inputs {
		t.Inputs[i].Signature = HexBytes(signature)
	}
}

// VerifyInputSignature checks the signature of one input against the
// transaction's signing hash
func (t *Transaction) VerifyInputSignature(index int) error {
	if index < 0 || index >= len(t.Inputs) {
		return fmt.Errorf("input index %d out of range", index)
	}
	input := t.Inputs[index]
	if len(input.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf(
			"invalid public key length %d on input %d",
			len(input.PublicKey),
			index,
		)
	}
	sigHash := t.SigningHash()
	if !ed25519.Verify(
		ed25519.PublicKey(input.PublicKey),
		sigHash.Bytes(),
		input.Signature,
	) {
		return fmt.Errorf("invalid signature on input %d", index)
	}
	return nil
}

// AddressFromPublicKey derives the Base58Check address owned by the given
// public key
func AddressFromPublicKey(publicKey []byte) string {
	keyHash := HashValue(publicKey)
	return base58.CheckEncode(keyHash[:addressPayloadSize], addressVersion)
}

// DecodeAddress validates an address and returns its public key hash
// payload
func DecodeAddress(address string) ([]byte, error) {
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	if version != addressVersion {
		return nil, fmt.Errorf("invalid address version %d", version)
	}
	if len(payload) != addressPayloadSize {
		return nil, fmt.Errorf("invalid address payload length %d", len(payload))
	}
	return payload, nil
}

// TransactionSet is a set of transactions keyed by identity hash
type TransactionSet map[Hash]*Transaction

// NewTransactionSet builds a set from the given transactions
func NewTransactionSet(transactions ...*Transaction) TransactionSet {
	s := make(TransactionSet, len(transactions))
	for _, tx := range transactions {
		s[tx.Id()] = tx
	}
	return s
}

// Contains reports whether the set holds a transaction with the given id
func (s TransactionSet) Contains(id Hash) bool {
	_, ok := s[id]
	return ok
}

// Without returns a copy of the set with the given transaction removed
func (s TransactionSet) Without(id Hash) TransactionSet {
	out := make(TransactionSet, len(s))
	for k, v := range s {
		if k == id {
			continue
		}
		out[k] = v
	}
	return out
}
