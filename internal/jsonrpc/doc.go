// Package jsonrpc defines the JSON-RPC 2.0 wire envelope shared by every
// transport: request, notification, and response framing plus the ID type
// that may be a string or a number on the wire.
//
// Beyond the standard -32700..-32603 codes, the package reserves three
// implementation-defined codes in the server error range that the dispatch
// engine maps catalogue failures onto: ErrorCodeNotFound (-32002) for a
// component that never existed, ErrorCodeDisabled (-32003) for one that
// exists but is hidden by a visibility filter, and
// ErrorCodeBackendUnavailable (-32000) for background task backend failures.
// Keeping "missing" and "hidden" on distinct codes lets clients tell the two
// apart without parsing error messages.
package jsonrpc
