package mcp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Request is an outbound JSON-RPC call. IDs come from the transport's
// [Correlator].
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is an outbound message that expects no reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response answers a Request. A JSON-RPC error reply is still a
// Response; the caller inspects Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// frame is any inbound message. A nil ID marks a notification; an ID
// of zero is still a reply.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isResponse is false for notifications and for requests the server
// sends us.
func (f *frame) isResponse() bool {
	return f.ID != nil && f.Method == ""
}

func (f *frame) response() *Response {
	return &Response{JSONRPC: f.JSONRPC, ID: *f.ID, Result: f.Result, Error: f.Error}
}

// decodeFrame rejects input that is not a JSON object carrying the
// jsonrpc member.
func decodeFrame(data []byte) (*frame, error) {
	f := new(frame)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, newError(ErrProtocol, "decode frame: %w", err)
	}
	if f.JSONRPC == "" {
		return nil, newError(ErrProtocol, "missing jsonrpc envelope")
	}
	return f, nil
}
