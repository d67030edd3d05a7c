// Package vmerr provides the structured error kinds observable at the edge
// of the engine and supervisor: Protocol, Decode, NotFound, Resource, Io,
// and ChildExit, per the control-plane error taxonomy.
package vmerr

import (
	"errors"
	"fmt"
	"os"

	"github.com/behrlich/vmmd/internal/vmid"
)

// Kind is a high-level error category.
type Kind string

const (
	KindProtocol  Kind = "protocol"   // framing or version mismatch
	KindDecode    Kind = "decode"     // payload structure
	KindNotFound  Kind = "not found"  // unknown identifier
	KindResource  Kind = "resource"   // budget exhausted, tap unavailable, fifo open failed
	KindIO        Kind = "io"         // socket/file error
	KindChildExit Kind = "child exit" // carries exit status
)

// Error is a structured error with context, mirroring the wrapped-errno
// pattern used for device errors, generalized to VM/wire context.
type Error struct {
	Op    string      // operation that failed, e.g. "create", "history"
	Kind  Kind        // high-level category
	VM    vmid.ID     // VM identifier, if applicable
	State *os.ProcessState // set only for KindChildExit
	Msg   string      // human-readable message
	Inner error       // wrapped error
}

func (e *Error) Error() string {
	var where string
	if e.Op != "" {
		where = e.Op
	}
	if len(e.VM) > 0 {
		if where != "" {
			where += " "
		}
		where += "vm=" + e.VM.String()
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}

	if where != "" {
		return fmt.Sprintf("vmmd: %s (%s)", msg, where)
	}
	return fmt.Sprintf("vmmd: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates a structured error with no VM context.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewVM creates a structured error scoped to a VM identifier.
func NewVM(op string, id vmid.ID, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, VM: id, Msg: msg}
}

// Wrap wraps an existing error with vmmd context, preserving any inner
// structured error's VM/Kind if the wrapped error already is one.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ve, ok := inner.(*Error); ok {
		return &Error{Op: op, Kind: ve.Kind, VM: ve.VM, State: ve.State, Msg: ve.Msg, Inner: ve.Inner}
	}
	return &Error{Op: op, Kind: kind, Msg: inner.Error(), Inner: inner}
}

// ChildExit wraps a reaped child's exit status as a structured error.
func ChildExit(id vmid.ID, state *os.ProcessState) *Error {
	return &Error{
		Op:    "reap",
		Kind:  KindChildExit,
		VM:    id,
		State: state,
		Msg:   state.String(),
	}
}

// Is reports whether err is a structured Error of the given Kind.
func Is(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}
