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

package labchain

// HandshakeTokenSize is the fixed size of the handshake magic token
const HandshakeTokenSize = 10

// Network identifies a labchain network by its handshake magic token.
// Peers on different networks fail the handshake and never exchange
// messages
type Network struct {
	Name           string
	HandshakeToken []byte
}

// Network definitions
var (
	NetworkMainnet = Network{
		Name:           "mainnet",
		HandshakeToken: []byte("bl0ckch41n"),
	}
	NetworkTestnet = Network{
		Name:           "testnet",
		HandshakeToken: []byte("t3stch41n!"),
	}

	// NetworkInvalid is returned by lookup functions when a network
	// isn't found
	NetworkInvalid = Network{
		Name: "invalid",
	}
)

// NetworkByName returns the named network definition
func NetworkByName(name string) Network {
	tmp := map[string]Network{
		"mainnet": NetworkMainnet,
		"testnet": NetworkTestnet,
	}
	network, ok := tmp[name]
	if !ok {
		return NetworkInvalid
	}
	return network
}
