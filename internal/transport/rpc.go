package transport

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Listener management methods exposed by the server.
const (
	MethodAddEventListener    = "EventService.addEventListener"
	MethodRemoveEventListener = "EventService.removeEventListener"
)

// rpcMessage is any JSON-RPC 2.0 frame. Requests and responses carry an id;
// notifications do not.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *rpcMessage) isNotification() bool {
	return m.ID == nil && m.Method != ""
}

func (m *rpcMessage) isResponse() bool {
	return m.ID != nil && m.Method == ""
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRequest(id uint64, method string, params any) (rpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return rpcMessage{}, fmt.Errorf("transport: encode %s params: %w", method, err)
	}
	return rpcMessage{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: raw}, nil
}
