// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package protocol implements the daemon's wire format: a 4-byte
// little-endian length prefix followed by a UTF-8 JSON payload, and the
// request/response envelopes carried inside that payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxFrameSize is the largest frame the codec will accept. Frames
// claiming a larger length cause the connection to be closed with a
// protocol error.
const MaxFrameSize = 10 * 1024 * 1024

// RequestKind discriminates the envelope's type field.
type RequestKind string

const (
	KindPing                  RequestKind = "Ping"
	KindExecBatch             RequestKind = "ExecBatch"
	KindPrepareForMaintenance RequestKind = "PrepareForMaintenance"
	KindCloseDatabase         RequestKind = "CloseDatabase"
	KindReopenDatabase        RequestKind = "ReopenDatabase"
	KindShutdown              RequestKind = "Shutdown"
)

// TxMode selects how a BatchRequest's statements commit.
type TxMode string

const (
	TxAtomic TxMode = "atomic"
	TxNone   TxMode = "none"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeBadRequest     Code = "BadRequest"
	CodeDatabaseClosed Code = "DatabaseClosed"
	CodeAlreadyClosed  Code = "AlreadyClosed"
	CodeNotOpen        Code = "NotOpen"
	CodeOpenFailed     Code = "OpenFailed"
	CodeSQL            Code = "Sql"
	CodeConstraint     Code = "Constraint"
	CodeBusy           Code = "Busy"
	CodeIoError        Code = "IoError"
	CodeAlreadyRunning Code = "AlreadyRunning"
	CodeInternal       Code = "Internal"
)

// Param is a single JSON-typed bind value. A byte slice round-trips
// through the wire as {"$bin": "<base64>"} (see MarshalJSON/UnmarshalJSON
// below); every other Go value marshals as plain JSON.
type Param struct {
	// Value holds one of: nil, bool, float64, int64, string, or []byte.
	// A number decoded by UnmarshalJSON is held as json.Number (see Arg).
	Value any
}

type binWrapper struct {
	Bin []byte `json:"$bin"`
}

func (p Param) MarshalJSON() ([]byte, error) {
	switch v := p.Value.(type) {
	case []byte:
		return json.Marshal(binWrapper{Bin: v})
	default:
		return json.Marshal(v)
	}
}

func (p *Param) UnmarshalJSON(data []byte) error {
	var w binWrapper
	if err := json.Unmarshal(data, &w); err == nil && w.Bin != nil {
		p.Value = w.Bin
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch n := raw.(type) {
	case json.Number:
		p.Value = n
	default:
		p.Value = raw
	}
	return nil
}

// Arg converts the decoded wire value into something database/sql's
// driver will accept as a bind argument. Numbers decoded off the wire
// arrive as json.Number; everything else already round-trips as-is.
func (p Param) Arg() any {
	n, ok := p.Value.(json.Number)
	if !ok {
		return p.Value
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}

// Statement is a single SQL statement with its ordered bind parameters.
type Statement struct {
	SQL    string  `json:"sql"`
	Params []Param `json:"params,omitempty"`
}

const (
	MaxStatementSQLBytes = 10_000
	MaxStatementParams   = 100
)

// Envelope is the outer request shape decoded off the wire. Fields not
// relevant to Type are left zero.
type Envelope struct {
	Type RequestKind `json:"type"`

	// Database-scoped requests carry DB (a filesystem path).
	DB string `json:"db,omitempty"`

	// ExecBatch fields.
	Stmts []Statement `json:"stmts,omitempty"`
	Tx    TxMode      `json:"tx,omitempty"`
}

// Validate checks an envelope's structural constraints, independent of
// any worker/router state.
func (e *Envelope) Validate() error {
	switch e.Type {
	case KindPing, KindPrepareForMaintenance, KindCloseDatabase, KindReopenDatabase, KindShutdown:
		return nil
	case KindExecBatch:
		if len(e.Stmts) == 0 {
			return fmt.Errorf("ExecBatch requires at least one statement")
		}
		if e.Tx != TxAtomic && e.Tx != TxNone {
			return fmt.Errorf("ExecBatch tx must be %q or %q", TxAtomic, TxNone)
		}
		for i, s := range e.Stmts {
			if len(s.SQL) == 0 {
				return fmt.Errorf("stmts[%d]: sql must not be empty", i)
			}
			if len(s.SQL) > MaxStatementSQLBytes {
				return fmt.Errorf("stmts[%d]: sql exceeds %d bytes", i, MaxStatementSQLBytes)
			}
			if len(s.Params) > MaxStatementParams {
				return fmt.Errorf("stmts[%d]: too many params (max %d)", i, MaxStatementParams)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown request type %q", e.Type)
	}
}

// Response is the outer shape returned for every request. Success
// shapes are kind-specific and carried in the embedded fields; an error
// response sets Status to "error" and populates Error/Code.
type Response struct {
	Status string `json:"status"`

	// Error fields.
	Error string `json:"error,omitempty"`
	Code  Code   `json:"code,omitempty"`

	// Ping.
	Version string `json:"version,omitempty"`
	DBPath  string `json:"dbPath,omitempty"`
	Rev     *int64 `json:"rev,omitempty"`

	// ExecBatch.
	RowsAffected int64 `json:"rows_affected,omitempty"`

	// PrepareForMaintenance.
	Checkpointed bool `json:"checkpointed,omitempty"`

	// CloseDatabase.
	Closed bool `json:"closed,omitempty"`

	// ReopenDatabase.
	Reopened bool `json:"reopened,omitempty"`
}

// OK builds a success response, applying fn to set kind-specific fields.
func OK(fn func(*Response)) *Response {
	r := &Response{Status: "ok"}
	if fn != nil {
		fn(r)
	}
	return r
}

// Err builds an error response.
func Err(code Code, format string, args ...any) *Response {
	return &Response{
		Status: "error",
		Error:  fmt.Sprintf(format, args...),
		Code:   code,
	}
}
