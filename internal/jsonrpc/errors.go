package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined codes in the JSON-RPC server error range. The
// catalogue distinguishes "never existed" from "exists but hidden" so
// clients can tell the two apart.
const (
	// ErrorCodeBackendUnavailable indicates a background backend failure.
	ErrorCodeBackendUnavailable ErrorCode = -32000
	// ErrorCodeNotFound indicates the addressed component does not exist.
	ErrorCodeNotFound ErrorCode = -32002
	// ErrorCodeDisabled indicates the component exists but is hidden by a
	// visibility filter.
	ErrorCodeDisabled ErrorCode = -32003
)
