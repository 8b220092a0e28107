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

// Package wire implements the labchain peer-to-peer message format: a
// small set of typed messages carried as length-prefixed JSON frames
package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/spilorenzo/labchain/ledger"
)

// Message types
const (
	MessageTypePeer        = "peer"
	MessageTypeGetBlock    = "getblock"
	MessageTypeBlock       = "block"
	MessageTypeTransaction = "transaction"
	MessageTypeMyPort      = "myport"
)

// Message is implemented by all wire message payloads
type Message interface {
	MessageType() string
}

// envelope is the JSON wire unit. The legacy implementation read
// "msg_params" but wrote "msg_param"; "msg_param" is canonical in both
// directions here
type envelope struct {
	MessageType  string          `json:"msg_type"`
	MessageParam json.RawMessage `json:"msg_param"`
}

// PeerAddress is a self-reported reachable peer address. It serializes as
// the legacy two-element JSON array [host, port]
type PeerAddress struct {
	Host string
	Port uint16
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a PeerAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Host, a.Port})
}

func (a *PeerAddress) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("peer address must have 2 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &a.Host); err != nil {
		return fmt.Errorf("peer address host: %w", err)
	}
	if err := json.Unmarshal(parts[1], &a.Port); err != nil {
		return fmt.Errorf("peer address port: %w", err)
	}
	return nil
}

// MsgPeer advertises the reachable address of a known peer
type MsgPeer struct {
	Address PeerAddress
}

func (MsgPeer) MessageType() string { return MessageTypePeer }

// MsgGetBlock requests a block by hash. The hash travels hex-encoded
type MsgGetBlock struct {
	BlockHash ledger.Hash
}

func (MsgGetBlock) MessageType() string { return MessageTypeGetBlock }

// MsgBlock carries one block
type MsgBlock struct {
	Block *ledger.Block
}

func (MsgBlock) MessageType() string { return MessageTypeBlock }

// MsgTransaction carries one standalone (unconfirmed) transaction
type MsgTransaction struct {
	Transaction *ledger.Transaction
}

func (MsgTransaction) MessageType() string { return MessageTypeTransaction }

// MsgMyPort reports the sender's listening port. The receiver combines it
// with the connection's actual remote host to form the sender's advertised
// address
type MsgMyPort struct {
	Port uint16
}

func (MsgMyPort) MessageType() string { return MessageTypeMyPort }

// UnknownMessageTypeError is returned when decoding a message whose type
// is not part of the protocol
type UnknownMessageTypeError struct {
	Type string
}

func (e UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// MarshalMessage encodes a message into its JSON wire envelope
func MarshalMessage(msg Message) ([]byte, error) {
	var param any
	switch m := msg.(type) {
	case MsgPeer:
		param = m.Address
	case MsgGetBlock:
		param = m.BlockHash
	case MsgBlock:
		param = m.Block
	case MsgTransaction:
		param = m.Transaction
	case MsgMyPort:
		param = m.Port
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}
	paramData, err := json.Marshal(param)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		MessageType:  msg.MessageType(),
		MessageParam: paramData,
	})
}

// UnmarshalMessage decodes a JSON wire envelope into its typed message.
// Undecodable JSON and unknown message types are errors; both are fatal
// for the connection they arrived on
func UnmarshalMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}
	switch env.MessageType {
	case MessageTypePeer:
		var msg MsgPeer
		if err := json.Unmarshal(env.MessageParam, &msg.Address); err != nil {
			return nil, fmt.Errorf("decode peer message: %w", err)
		}
		return msg, nil
	case MessageTypeGetBlock:
		var msg MsgGetBlock
		if err := json.Unmarshal(env.MessageParam, &msg.BlockHash); err != nil {
			return nil, fmt.Errorf("decode getblock message: %w", err)
		}
		return msg, nil
	case MessageTypeBlock:
		msg := MsgBlock{Block: &ledger.Block{}}
		if err := json.Unmarshal(env.MessageParam, msg.Block); err != nil {
			return nil, fmt.Errorf("decode block message: %w", err)
		}
		return msg, nil
	case MessageTypeTransaction:
		msg := MsgTransaction{Transaction: &ledger.Transaction{}}
		if err := json.Unmarshal(env.MessageParam, msg.Transaction); err != nil {
			return nil, fmt.Errorf("decode transaction message: %w", err)
		}
		return msg, nil
	case MessageTypeMyPort:
		var msg MsgMyPort
		if err := json.Unmarshal(env.MessageParam, &msg.Port); err != nil {
			return nil, fmt.Errorf("decode myport message: %w", err)
		}
		return msg, nil
	default:
		return nil, UnknownMessageTypeError{Type: env.MessageType}
	}
}
