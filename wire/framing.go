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

package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxFrameLength bounds the payload size of a single frame
	MaxFrameLength = 4 * 1024 * 1024

	// maxLengthPrefixDigits bounds the decimal length prefix; enough for
	// any length up to MaxFrameLength
	maxLengthPrefixDigits = 10
)

// FramingError indicates a malformed frame. Framing errors are fatal for
// the connection they occur on, not recoverable protocol errors
type FramingError struct {
	Reason string
}

func (e FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

// WriteFrame writes one frame: the payload length as decimal ASCII, a
// newline, then the payload bytes
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return FramingError{
			Reason: fmt.Sprintf("payload length %d exceeds maximum", len(payload)),
		}
	}
	buf := make([]byte, 0, len(payload)+maxLengthPrefixDigits+1)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload. A non-numeric or
// oversized length prefix and a truncated payload are framing errors;
// I/O errors pass through unchanged
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var prefix []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(prefix) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if c == '\n' {
			break
		}
		if c < '0' || c > '9' {
			return nil, FramingError{
				Reason: fmt.Sprintf("non-numeric byte %#02x in length prefix", c),
			}
		}
		prefix = append(prefix, c)
		if len(prefix) > maxLengthPrefixDigits {
			return nil, FramingError{Reason: "length prefix too long"}
		}
	}
	if len(prefix) == 0 {
		return nil, FramingError{Reason: "empty length prefix"}
	}
	length, err := strconv.Atoi(string(prefix))
	if err != nil {
		return nil, FramingError{Reason: "invalid length prefix"}
	}
	if length > MaxFrameLength {
		return nil, FramingError{
			Reason: fmt.Sprintf("payload length %d exceeds maximum", length),
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteMessage encodes a message and writes it as one frame
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := MarshalMessage(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes the typed message it carries
func ReadMessage(r *bufio.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalMessage(payload)
}
