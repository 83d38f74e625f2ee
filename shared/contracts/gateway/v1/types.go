// Package v1 defines the Module Gateway wire contract.
//
// The gateway speaks JSON-RPC 2.0 over WebSocket, one payload per message.
// This package is intentionally stable and dependency-light: it is shared
// between the server and module SDKs, so the structs here are the single
// source of truth for the wire format.
package v1

import (
	"bytes"
	"encoding/json"
)

// Version is the JSON-RPC protocol version carried in every frame.
const Version = "2.0"

// Request is a JSON-RPC request or notification (no ID means notification).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is a JSON-RPC response. Exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult builds a success response for the given request id.
func NewResult(id json.RawMessage, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response for the given request id.
func NewError(id json.RawMessage, rpcErr *Error) Response {
	return Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// FrameKind is the classification of one inbound WebSocket payload.
//
// Classification happens exactly once at the transport boundary; everything
// downstream routes on the kind instead of re-probing the JSON shape.
type FrameKind uint8

const (
	FrameInvalid FrameKind = iota
	FrameRequest
	FrameNotification
	FrameResponse
	FrameBatch
)

// Frame is the tagged union produced by ClassifyFrame.
type Frame struct {
	Kind     FrameKind
	Request  Request    // valid for FrameRequest / FrameNotification
	Response Response   // valid for FrameResponse
	Batch    []Frame    // valid for FrameBatch; members are never FrameBatch
}

// rawFrame is the superset shape used to probe a single JSON object.
type rawFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// ClassifyFrame parses one WebSocket payload into a Frame.
//
// Kind is FrameInvalid when the payload is not valid JSON, or is valid JSON
// that matches neither the request/notification nor the response shape.
// Batches classify each element independently; a batch of zero elements is
// invalid per JSON-RPC 2.0.
func ClassifyFrame(data []byte) Frame {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{Kind: FrameInvalid}
	}

	if data[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil || len(elems) == 0 {
			return Frame{Kind: FrameInvalid}
		}
		out := Frame{Kind: FrameBatch, Batch: make([]Frame, 0, len(elems))}
		for _, e := range elems {
			out.Batch = append(out.Batch, classifyObject(e))
		}
		return out
	}

	return classifyObject(data)
}

func classifyObject(data []byte) Frame {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{Kind: FrameInvalid}
	}

	switch {
	case raw.Method != "":
		req := Request{JSONRPC: raw.JSONRPC, ID: raw.ID, Method: raw.Method, Params: raw.Params}
		if req.IsNotification() {
			return Frame{Kind: FrameNotification, Request: req}
		}
		return Frame{Kind: FrameRequest, Request: req}

	case raw.Result != nil || raw.Error != nil:
		if len(raw.ID) == 0 {
			// A response without an id cannot be correlated to anything.
			return Frame{Kind: FrameInvalid}
		}
		return Frame{Kind: FrameResponse, Response: Response{
			JSONRPC: raw.JSONRPC,
			ID:      raw.ID,
			Result:  raw.Result,
			Error:   raw.Error,
		}}

	default:
		return Frame{Kind: FrameInvalid}
	}
}
