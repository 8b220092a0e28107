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

package chain

import (
	"errors"
	"fmt"

	"github.com/spilorenzo/labchain/ledger"
)

var (
	ErrMissingOutput        = errors.New("input references no unspent output")
	ErrDoubleSpend          = errors.New("input output is already being spent")
	ErrWrongKey             = errors.New("public key does not own the spent output")
	ErrInsufficientInputs   = errors.New("transaction outputs exceed inputs")
	ErrEmptyCoinbase        = errors.New("coinbase transaction pays no targets")
	ErrZeroTarget           = errors.New("transaction target amount is zero")
	ErrDuplicateTransaction = errors.New("transaction id already has unspent outputs")
)

// Outpoint identifies one output of a transaction
type Outpoint struct {
	TransactionHash ledger.Hash
	OutputIndex     uint32
}

// UTXOSet is the set of unspent transaction outputs at some chain state.
// It implements ledger.TransactionLedger. The set itself is not
// synchronized; the owning Blockchain serializes access through its own
// mutex
type UTXOSet struct {
	entries map[Outpoint]ledger.TransactionTarget
}

// NewUTXOSet returns an empty unspent-output set
func NewUTXOSet() *UTXOSet {
	return &UTXOSet{
		entries: make(map[Outpoint]ledger.TransactionTarget),
	}
}

// Lookup returns the unspent output at the given outpoint
func (u *UTXOSet) Lookup(op Outpoint) (ledger.TransactionTarget, bool) {
	target, ok := u.entries[op]
	return target, ok
}

// Size returns the number of unspent outputs
func (u *UTXOSet) Size() int {
	return len(u.entries)
}

func (u *UTXOSet) applyTransaction(tx *ledger.Transaction) {
	for _, input := range tx.Inputs {
		delete(u.entries, Outpoint{
			TransactionHash: input.TransactionHash,
			OutputIndex:     input.OutputIndex,
		})
	}
	txId := tx.Id()
	for i, target := range tx.Targets {
		u.entries[Outpoint{TransactionHash: txId, OutputIndex: uint32(i)}] = target
	}
}

func (u *UTXOSet) applyBlock(b *ledger.Block) {
	for _, tx := range b.Transactions {
		u.applyTransaction(tx)
	}
}

// spentBy reports whether any transaction in the set spends the given
// outpoint
func spentBy(set ledger.TransactionSet, op Outpoint) bool {
	for _, tx := range set {
		for _, input := range tx.Inputs {
			if input.TransactionHash == op.TransactionHash &&
				input.OutputIndex == op.OutputIndex {
				return true
			}
		}
	}
	return false
}

// VerifyTransaction checks a transaction's spend legitimacy against the
// unspent-output set. Transactions in the exclude set count as
// concurrently spent: an outpoint consumed by any of them cannot be
// consumed again. Inputs must reference outputs already confirmed in the
// chain; outputs created by excluded transactions are not spendable
func (u *UTXOSet) VerifyTransaction(
	tx *ledger.Transaction,
	exclude ledger.TransactionSet,
) error {
	// A transaction whose id still keys unspent outputs would silently
	// overwrite them when applied. Coinbases reusing an address and
	// amount hit this unless they bind their block height
	txId := tx.Id()
	for i := range tx.Targets {
		op := Outpoint{TransactionHash: txId, OutputIndex: uint32(i)}
		if _, exists := u.entries[op]; exists {
			return fmt.Errorf("output %d: %w", i, ErrDuplicateTransaction)
		}
	}
	if tx.IsCoinbase() {
		if len(tx.Targets) == 0 {
			return ErrEmptyCoinbase
		}
		for _, target := range tx.Targets {
			if target.Amount == 0 {
				return ErrZeroTarget
			}
		}
		return nil
	}
	seen := make(map[Outpoint]struct{}, len(tx.Inputs))
	var totalInput uint64
	for i, input := range tx.Inputs {
		op := Outpoint{
			TransactionHash: input.TransactionHash,
			OutputIndex:     input.OutputIndex,
		}
		if _, dup := seen[op]; dup {
			return fmt.Errorf("input %d: %w", i, ErrDoubleSpend)
		}
		seen[op] = struct{}{}
		target, ok := u.entries[op]
		if !ok {
			return fmt.Errorf("input %d: %w", i, ErrMissingOutput)
		}
		if spentBy(exclude, op) {
			return fmt.Errorf("input %d: %w", i, ErrDoubleSpend)
		}
		if ledger.AddressFromPublicKey(input.PublicKey) != target.Address {
			return fmt.Errorf("input %d: %w", i, ErrWrongKey)
		}
		if err := tx.VerifyInputSignature(i); err != nil {
			return err
		}
		var err error
		if totalInput, err = ledger.AddAmounts(totalInput, target.Amount); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	for _, target := range tx.Targets {
		if target.Amount == 0 {
			return ErrZeroTarget
		}
	}
	totalOutput, err := tx.TotalOutput()
	if err != nil {
		return err
	}
	if totalInput < totalOutput {
		return ErrInsufficientInputs
	}
	return nil
}

// TransactionFee returns the fee a transaction pays: the value of its
// inputs minus the value of its outputs. Coinbase transactions pay no fee
func (u *UTXOSet) TransactionFee(tx *ledger.Transaction) (uint64, error) {
	if tx.IsCoinbase() {
		return 0, nil
	}
	var totalInput uint64
	for i, input := range tx.Inputs {
		op := Outpoint{
			TransactionHash: input.TransactionHash,
			OutputIndex:     input.OutputIndex,
		}
		target, ok := u.entries[op]
		if !ok {
			return 0, fmt.Errorf("input %d: %w", i, ErrMissingOutput)
		}
		var err error
		if totalInput, err = ledger.AddAmounts(totalInput, target.Amount); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
	}
	totalOutput, err := tx.TotalOutput()
	if err != nil {
		return 0, err
	}
	if totalInput < totalOutput {
		return 0, ErrInsufficientInputs
	}
	return totalInput - totalOutput, nil
}
