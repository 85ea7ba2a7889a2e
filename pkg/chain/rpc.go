package chain

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only JSON-RPC protocol version supported.
const JSONRPCVersion = "2.0"

type (
	// Request represents JSON-RPC request.
	Request struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
		ID      uint64 `json:"id"`
	}

	// Response represents a standard raw JSON-RPC 2.0 response.
	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *Error          `json:"error,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
	}

	// Error is a JSON-RPC error object.
	Error struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data,omitempty"`
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data == "" {
		return fmt.Sprintf("RPC error: %s (%d)", e.Message, e.Code)
	}
	return fmt.Sprintf("RPC error: %s (%d) - %s", e.Message, e.Code, e.Data)
}

// RPC method names and their parameters.
const (
	methodGetAccount      = "getAccount"
	methodGetTransaction  = "getTransaction"
	methodSendTransaction = "sendTransaction"
)

type (
	accountParams struct {
		Account string `json:"account"`
	}
	accountResult struct {
		ID       string `json:"id"`
		Sequence string `json:"sequence"`
	}
	transactionParams struct {
		Hash string `json:"hash"`
	}
	transactionResult struct {
		Status TxStatus `json:"status"`
	}
	sendParams struct {
		Transaction string `json:"transaction"`
	}
	sendResult struct {
		Status         string `json:"status"`
		Hash           string `json:"hash"`
		ErrorResultXdr string `json:"errorResultXdr,omitempty"`
	}
)
