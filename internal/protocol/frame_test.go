// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  Envelope
	}{
		{"ping", Envelope{Type: KindPing}},
		{"exec batch atomic", Envelope{
			Type: KindExecBatch,
			DB:   "/data/t.db",
			Tx:   TxAtomic,
			Stmts: []Statement{
				{SQL: "INSERT INTO t VALUES (?)", Params: []Param{{Value: int64(1)}}},
			},
		}},
		{"exec batch with binary param", Envelope{
			Type: KindExecBatch,
			DB:   "/data/t.db",
			Tx:   TxNone,
			Stmts: []Statement{
				{SQL: "INSERT INTO blobs VALUES (?)", Params: []Param{{Value: []byte{0x00, 0x01, 0xff}}}},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tt.env))

			got, err := ReadEnvelope(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.env.Type, got.Type)
			assert.Equal(t, tt.env.DB, got.DB)
		})
	}
}

func TestReadFrameOversized(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf.Write(lenBuf[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrameShortAtEOF(t *testing.T) {
	t.Parallel()

	// Claims a 10-byte payload but supplies none.
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 10)
	buf.Write(lenBuf[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrameCleanEOF(t *testing.T) {
	t.Parallel()

	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid ping", Envelope{Type: KindPing}, false},
		{"unknown type", Envelope{Type: "Bogus"}, true},
		{"exec batch empty stmts", Envelope{Type: KindExecBatch, Tx: TxAtomic}, true},
		{"exec batch bad tx mode", Envelope{
			Type:  KindExecBatch,
			Tx:    "weird",
			Stmts: []Statement{{SQL: "SELECT 1"}},
		}, true},
		{"exec batch empty sql", Envelope{
			Type:  KindExecBatch,
			Tx:    TxAtomic,
			Stmts: []Statement{{SQL: ""}},
		}, true},
		{"exec batch sql too long", Envelope{
			Type:  KindExecBatch,
			Tx:    TxAtomic,
			Stmts: []Statement{{SQL: string(make([]byte, MaxStatementSQLBytes+1))}},
		}, true},
		{"exec batch too many params", Envelope{
			Type:  KindExecBatch,
			Tx:    TxAtomic,
			Stmts: []Statement{{SQL: "SELECT 1", Params: make([]Param, MaxStatementParams+1)}},
		}, true},
		{"exec batch valid", Envelope{
			Type:  KindExecBatch,
			Tx:    TxAtomic,
			Stmts: []Statement{{SQL: "SELECT 1"}},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.env.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParamBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	p := Param{Value: []byte{0xde, 0xad, 0xbe, 0xef}}
	data, err := p.MarshalJSON()
	require.NoError(t, err)

	var got Param
	require.NoError(t, got.UnmarshalJSON(data))
	assert.Equal(t, p.Value, got.Value)
}
