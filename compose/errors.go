package compose

import (
	"errors"
	"fmt"
)

// ErrInvalidCursor reports a pagination cursor that was not produced by this
// server.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrAborted signals that a middleware deliberately refused an operation.
// Wrap it to carry detail: fmt.Errorf("%w: quota exhausted", ErrAborted).
// The engine reports it as a client-visible request error rather than an
// internal fault.
var ErrAborted = errors.New("operation aborted")

// NotFoundError reports a component id that no reachable provider serves.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown %s: %s", e.Kind, e.ID)
}

// DisabledError reports a component that exists but is hidden by a
// visibility filter. Callers surface it distinctly from NotFoundError so
// that an operator toggling a component off does not masquerade as a
// deployment that never had it.
type DisabledError struct {
	Kind Kind
	ID   string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("%s is disabled: %s", e.Kind, e.ID)
}

// URIFormatError reports a resource URI that lacks the scheme://path shape
// required by the prefixing helpers.
type URIFormatError struct {
	URI string
}

func (e *URIFormatError) Error() string {
	return fmt.Sprintf("invalid resource uri %q: expected scheme://path", e.URI)
}
