package compiler

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of compiler failure kinds
type ErrorKind string

const (
	ErrComponentNotRegistered     ErrorKind = "ComponentNotRegistered"
	ErrPortTypeMismatch           ErrorKind = "PortTypeMismatch"
	ErrMultipleEdgesToPort        ErrorKind = "MultipleEdgesToPort"
	ErrWorkflowGraphContainsCycle ErrorKind = "WorkflowGraphContainsCycle"
	ErrEntrypointMissing          ErrorKind = "EntrypointMissing"
	ErrEntrypointAmbiguous        ErrorKind = "EntrypointAmbiguous"
	ErrInvalidGraph               ErrorKind = "InvalidGraph"
)

// Error is a graph compilation failure tied to a node or edge
type Error struct {
	Kind   ErrorKind
	NodeID string
	EdgeID string
	msg    string
}

func (e *Error) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.msg)
	case e.EdgeID != "":
		return fmt.Sprintf("%s: edge %s: %s", e.Kind, e.EdgeID, e.msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func nodeError(kind ErrorKind, nodeID, format string, args ...any) *Error {
	return &Error{Kind: kind, NodeID: nodeID, msg: fmt.Sprintf(format, args...)}
}

func edgeError(kind ErrorKind, edgeID, format string, args ...any) *Error {
	return &Error{Kind: kind, EdgeID: edgeID, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the compiler failure kind of an error chain, or empty
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
