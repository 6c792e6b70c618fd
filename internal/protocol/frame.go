// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrProtocol marks a framing-level violation (oversized frame, short
// read at EOF). Callers should close the connection on this error
// without sending a response.
var ErrProtocol = errors.New("protocol error")

// ReadFrame reads one length-prefixed frame from r and returns its
// payload bytes. It loops on partial reads until the full frame is
// received; a peer close in the middle of a frame (including the
// 4-byte length itself) is reported as ErrProtocol.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading frame length: %v", ErrProtocol, err)
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrProtocol, n, MaxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading frame payload: %v", ErrProtocol, err)
	}
	return payload, nil
}

// WriteFrame writes v, JSON-encoded, as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame payload: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds max %d", ErrProtocol, len(payload), MaxFrameSize)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadEnvelope reads one frame and decodes it as a request Envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// WriteResponse writes a Response as one frame.
func WriteResponse(w io.Writer, resp *Response) error {
	return WriteFrame(w, resp)
}
