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

import (
	"log/slog"
	"net"
	"time"

	"github.com/spilorenzo/labchain/wire"
)

// ConnectionOptionFunc is a type that represents functions that modify the
// Connection config
type ConnectionOptionFunc func(*Connection)

// WithConnectionConn specifies an existing (accepted) socket to use. If
// none is provided, the Dial() function can be used to create one later
func WithConnectionConn(conn net.Conn) ConnectionOptionFunc {
	return func(c *Connection) {
		c.conn = conn
	}
}

// WithConnectionNetwork specifies the network whose handshake token to use
func WithConnectionNetwork(network Network) ConnectionOptionFunc {
	return func(c *Connection) {
		c.network = network
	}
}

// WithConnectionOutbound marks the connection as initiated by us
func WithConnectionOutbound(outbound bool) ConnectionOptionFunc {
	return func(c *Connection) {
		c.outbound = outbound
	}
}

// WithConnectionLogger specifies the logger to use. If none is provided,
// slog.Default() is used
func WithConnectionLogger(logger *slog.Logger) ConnectionOptionFunc {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithConnectionIOTimeout specifies the idle deadline applied to socket
// reads and writes. A silent or stalled peer is torn down after this long
func WithConnectionIOTimeout(timeout time.Duration) ConnectionOptionFunc {
	return func(c *Connection) {
		c.ioTimeout = timeout
	}
}

// WithConnectionDialTimeout specifies the timeout for outbound connection
// attempts
func WithConnectionDialTimeout(timeout time.Duration) ConnectionOptionFunc {
	return func(c *Connection) {
		c.dialTimeout = timeout
	}
}

// WithConnectionHandshakeTimeout specifies the deadline for the handshake
// token exchange
func WithConnectionHandshakeTimeout(timeout time.Duration) ConnectionOptionFunc {
	return func(c *Connection) {
		c.handshakeTimeout = timeout
	}
}

// WithConnectionReceiveFunc specifies the callback for received messages
func WithConnectionReceiveFunc(
	receiveFunc func(*Connection, wire.Message),
) ConnectionOptionFunc {
	return func(c *Connection) {
		c.receiveFunc = receiveFunc
	}
}

// WithConnectionReadyFunc specifies the callback invoked once the
// handshake completes, before the read/write loops start
func WithConnectionReadyFunc(readyFunc func(*Connection)) ConnectionOptionFunc {
	return func(c *Connection) {
		c.readyFunc = readyFunc
	}
}

// WithConnectionClosedFunc specifies the callback invoked when teardown
// completes, with the terminal error if any
func WithConnectionClosedFunc(
	closedFunc func(*Connection, error),
) ConnectionOptionFunc {
	return func(c *Connection) {
		c.closedFunc = closedFunc
	}
}
