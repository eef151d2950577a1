package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternalError       = -32603
	CodeInsufficientCredits = -32000
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func newError(code int, msg string, data any) *RPCError {
	return &RPCError{Code: code, Message: msg, Data: data}
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: normalizeID(id), Result: result}
}

func errorResponse(id json.RawMessage, err *RPCError) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: normalizeID(id), Error: err}
}

// normalizeID maps a missing id to JSON null.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nil
	}
	return id
}

// decodeBody splits a request body into raw messages. A top-level array
// is a batch.
func decodeBody(body []byte) ([]json.RawMessage, bool, *RPCError) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, newError(CodeInvalidRequest, "empty request body", nil)
	}
	if !json.Valid(trimmed) {
		return nil, false, newError(CodeParseError, "parse error", nil)
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{trimmed}, false, nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, false, newError(CodeParseError, "parse error", nil)
	}
	if len(batch) == 0 {
		return nil, false, newError(CodeInvalidRequest, "empty batch", nil)
	}
	return batch, true, nil
}

// decodeRequest validates one message's envelope. The returned request
// carries whatever id could be recovered so errors can echo it.
func decodeRequest(raw json.RawMessage) (*Request, *RPCError) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return &Request{}, newError(CodeInvalidRequest, "invalid request", nil)
	}
	if req.JSONRPC != jsonrpcVersion {
		return &req, newError(CodeInvalidRequest, `invalid request: jsonrpc must be "2.0"`, nil)
	}
	if req.Method == "" {
		return &req, newError(CodeInvalidRequest, "invalid request: missing method", nil)
	}
	if !validID(req.ID) {
		return &Request{}, newError(CodeInvalidRequest, "invalid request: id must be a string, number or null", nil)
	}
	return &req, nil
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return false
}

// bodyErrorResponse reports an unreadable or oversized HTTP body as an
// invalid request. The id is unknown, so it is null.
func bodyErrorResponse(err error) *Response {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errorResponse(nil, newError(CodeInvalidRequest,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil))
	}
	return errorResponse(nil, newError(CodeInvalidRequest, "failed to read request body", nil))
}
