// Package nodeerr defines the error classes returned by the node store and
// their mapping onto transport independent status classes.
package nodeerr

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
)

var (
	MalformedDocument     = errs.Class("malformed document")
	UnrecognizedNamespace = errs.Class("unrecognized namespace")
	SchemaValidation      = errs.Class("schema validation failed")
	VersionMissing        = errs.Class("version missing")
	VersionConflict       = errs.Class("version conflict")
	InvalidVersion        = errs.Class("invalid version")
	InvalidArgument       = errs.Class("invalid argument")
	NotFound              = errs.Class("not found")
	Unprocessable         = errs.Class("unprocessable")
	ForbiddenRead         = errs.Class("forbidden read")
	ForbiddenWrite        = errs.Class("forbidden write")
	DependencyExists      = errs.Class("dependency exists")
	WriteConflict         = errs.Class("write conflict")
	HistoryGap            = errs.Class("history gap")
	Internal              = errs.Class("internal")
)

// Status is a stable, transport independent status class.
type Status int

const (
	StatusOK        Status = 200
	StatusForbidden Status = 403
	StatusNotFound  Status = 404
	StatusConflict  Status = 409
	StatusInvalid   Status = 422
	StatusInternal  Status = 500
)

var statusTable = []struct {
	class  *errs.Class
	status Status
}{
	{&MalformedDocument, StatusInvalid},
	{&UnrecognizedNamespace, StatusInvalid},
	{&SchemaValidation, StatusInvalid},
	{&VersionMissing, StatusInvalid},
	{&VersionConflict, StatusInvalid},
	{&InvalidVersion, StatusInvalid},
	{&InvalidArgument, StatusInvalid},
	{&Unprocessable, StatusInvalid},
	{&NotFound, StatusNotFound},
	{&ForbiddenRead, StatusForbidden},
	{&ForbiddenWrite, StatusForbidden},
	{&DependencyExists, StatusForbidden},
	{&WriteConflict, StatusConflict},
	{&HistoryGap, StatusInternal},
	{&Internal, StatusInternal},
}

// StatusOf returns the status class for err. A nil error is StatusOK and any
// error outside the taxonomy is StatusInternal.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, entry := range statusTable {
		if entry.class.Has(err) {
			return entry.status
		}
	}
	return StatusInternal
}

// Known reports whether err carries one of the taxonomy classes.
func Known(err error) bool {
	for _, entry := range statusTable {
		if entry.class.Has(err) {
			return true
		}
	}
	return false
}

// Boundary collapses errors outside the taxonomy into Internal. Context
// cancellation is kept as is so callers can still match it.
func Boundary(err error) error {
	if err == nil || Known(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return Internal.Wrap(err)
}

// Message returns the message of err without the class prefix, suitable for
// showing to a client.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range statusTable {
		if entry.class.Has(err) {
			return trimClass(err.Error(), string(*entry.class))
		}
	}
	return err.Error()
}

func trimClass(msg, class string) string {
	prefix := class + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
