// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import (
	"errors"
	"fmt"
)

// ResultCode describes the outcome of a completed accessor exchange. All
// codes not defined here are reserved for future protocol use.
type ResultCode byte

const (
	CodeSuccess       ResultCode = 0 // the accessor completed normally
	CodeUnknownObject ResultCode = 1 // the target ObjectID is not in the owner's held table (AccessDenied)
	CodeCanceled      ResultCode = 2 // the operation was abandoned because the Endpoint disconnected
	CodeServiceError  ResultCode = 3 // the invocation body raised an error (RemoteException)
	CodeOverflow      ResultCode = 4 // a table cap was exceeded while processing the request
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownObject:
		return "UNKNOWN_OBJECT"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeOverflow:
		return "OVERFLOW"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// RemoteException is the payload carried by a reply whose ResultCode is
// CodeServiceError. It is a transparent struct so that a Serializer can
// encode and decode it without any special knowledge of this package.
type RemoteException struct {
	TypeName string // the concrete Go type name of the originating error, if known
	Message  string // the error's text
	Stack    string // a stack trace or other diagnostic context from the owner, best-effort
	Source   string // a label identifying which accessor produced the error (e.g. "method:12")
}

// Error implements the error interface.
func (e *RemoteException) Error() string {
	if e.TypeName != "" {
		return fmt.Sprintf("remote error [%s]: %s", e.TypeName, e.Message)
	}
	return fmt.Sprintf("remote error: %s", e.Message)
}

// Sentinel errors reported by local Endpoint operations. These correspond to
// the error kinds of spec §7 that do not originate from the peer.
var (
	// ErrInUse is reported by Connect when the Endpoint is already connected.
	ErrInUse = errors.New("endpoint already in use")

	// ErrDisconnected is reported by an accessor primitive invoked on an
	// Endpoint that is not currently connected.
	ErrDisconnected = errors.New("endpoint is disconnected")

	// ErrOverflow is reported when MaxHeldObjects or MaxRemoteObjects would be
	// exceeded by registering a new local or remote object.
	ErrOverflow = errors.New("object table capacity exceeded")

	// ErrAccessDenied is the condition an inbound request naming an ObjectID
	// this side does not hold fails with. It reaches the peer as a
	// RemoteException whose TypeName is "AccessDenied"; on this side it only
	// counts toward the failed-inbound-call metric and is not logged.
	ErrAccessDenied = errors.New("peer referenced an object we do not hold")
)

// resultCoder is implemented by errors that name the ResultCode matching
// their condition. The reply path does not consult it: replyError always
// sends CodeServiceError, with the condition named by the RemoteException's
// TypeName.
type resultCoder interface{ ResultCode() ResultCode }

type overflowError struct{ table string }

func (e *overflowError) Error() string       { return fmt.Sprintf("%s: %v", e.table, ErrOverflow) }
func (e *overflowError) Unwrap() error        { return ErrOverflow }
func (e *overflowError) ResultCode() ResultCode { return CodeOverflow }

type accessDeniedError struct{ id ObjectID }

func (e *accessDeniedError) Error() string {
	return fmt.Sprintf("object %v: %v", e.id, ErrAccessDenied)
}
func (e *accessDeniedError) Unwrap() error        { return ErrAccessDenied }
func (e *accessDeniedError) ResultCode() ResultCode { return CodeUnknownObject }

// CallError is the concrete type of error reported by the blocking accessor
// primitives and by generated proxy members. For errors arising from a
// protocol-level reply (not a raw local failure such as being disconnected),
// Response is non-nil and describes the reply that produced the error.
type CallError struct {
	*RemoteException          // nil unless Response.Code == CodeServiceError
	Err              error    // the local error, if the failure did not come from a reply
	Response         *reply   // the reply that produced the error, if any
}

// Unwrap reports the underlying local error, or nil if the error came from a
// protocol reply rather than a local condition.
func (c *CallError) Unwrap() error { return c.Err }

// Error implements the error interface.
func (c *CallError) Error() string {
	switch {
	case c.Err != nil:
		return c.Err.Error()
	case c.Response != nil && c.Response.Code == CodeServiceError:
		return c.RemoteException.Error()
	case c.Response != nil:
		return fmt.Sprintf("operation %v: %s", c.Response.OpID, c.Response.Code)
	default:
		return "call failed"
	}
}

func localCallError(err error) *CallError { return &CallError{Err: err} }
