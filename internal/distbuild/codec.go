// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package distbuild

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// A Conn frames distbuild messages over a byte stream:
// one JSON object per line, no length prefix.
// Sends are serialised, so messages from concurrent goroutines
// arrive whole and in FIFO order per connection.
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer

	cmu    sync.Mutex
	closed bool
}

// NewConn wraps a stream in a [Conn].
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc: rwc,
		br:  bufio.NewReader(rwc),
		bw:  bufio.NewWriter(rwc),
	}
}

// Receive reads the next message.
// It returns [io.EOF] on clean connection shutdown
// and a [*ProtocolError] for frames that do not parse or validate.
func (c *Conn) Receive() (*Message, error) {
	for {
		line, err := c.br.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) == 0 {
				return nil, io.EOF
			}
			if len(line) == 0 {
				return nil, err
			}
			// Fall through to parse a final unterminated line.
		}
		if isBlank(line) {
			continue
		}
		m := new(Message)
		if err := json.Unmarshal(line, m); err != nil {
			return nil, &ProtocolError{Reason: "malformed frame", Err: err}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Send writes one message followed by a newline and flushes.
func (c *Conn) Send(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(data); err != nil {
		return err
	}
	if err := c.bw.WriteByte('\n'); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Close closes the underlying stream. Close is idempotent.
func (c *Conn) Close() error {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\t' && b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}
