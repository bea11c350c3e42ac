// Package rerror defines the sentinel error kinds the proxy core uses, and
// the mapping from each to the RESP error reply a client sees.
package rerror

import (
	"errors"

	"github.com/shardmesh/redisproxy/internal/resp"
)

var (
	// ErrInvalidProtocol: malformed RESP; the connection is closed after
	// the client sees a synthetic error reply.
	ErrInvalidProtocol = errors.New("invalid protocol")
	// ErrIO: transport failure; propagates to connection termination.
	ErrIO = errors.New("io error")
	// ErrCanceled: channel closed before a reply arrived.
	ErrCanceled = errors.New("canceled")
	// ErrOldEpoch: meta update rejected because its epoch did not advance.
	ErrOldEpoch = errors.New("old epoch")
	// ErrSlotNotFound: command has no owning backend.
	ErrSlotNotFound = errors.New("slot not served")
	// ErrDBNotFound: unknown cluster name.
	ErrDBNotFound = errors.New("db not found")
	// ErrNotReady: a switch command arrived before its epoch's SETDB.
	ErrNotReady = errors.New("not ready")
	// ErrInvalidArg: malformed admin command.
	ErrInvalidArg = errors.New("invalid arg")
	// ErrBackendError: the backend connection failed mid-request.
	ErrBackendError = errors.New("backend error")
	// ErrDropped: a CmdCtx was destroyed without ever receiving a reply.
	ErrDropped = errors.New("cmd error dropped")
	// ErrBusy: a backend sender's queue is full.
	ErrBusy = errors.New("busy")
)

// Reply renders err as the RESP error value a client should see. Unknown
// errors fall back to a generic "-Err <message>" so no CmdCtx can ever
// complete without a reply.
func Reply(err error) *resp.Value {
	switch {
	case errors.Is(err, ErrInvalidProtocol):
		return resp.NewError("Err invalid protocol")
	case errors.Is(err, ErrOldEpoch):
		return resp.NewError("Err old epoch")
	case errors.Is(err, ErrSlotNotFound):
		return resp.NewError("Err slot not served")
	case errors.Is(err, ErrDBNotFound):
		return resp.NewError("Err db not found")
	case errors.Is(err, ErrNotReady):
		return resp.NewError("Err not ready")
	case errors.Is(err, ErrInvalidArg):
		return resp.NewError("Err invalid arg")
	case errors.Is(err, ErrBackendError):
		return resp.NewError("Err backend error")
	case errors.Is(err, ErrDropped):
		return resp.NewError("Err cmd error dropped")
	case errors.Is(err, ErrBusy):
		return resp.NewError("Err busy")
	case errors.Is(err, ErrCanceled):
		return resp.NewError("Err cmd error canceled")
	default:
		return resp.NewError("Err " + err.Error())
	}
}
