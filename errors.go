// Copyright 2026 The TiraStore Authors
// This file is part of TiraStore.
//
// TiraStore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// TiraStore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with TiraStore. If not, see <http://www.gnu.org/licenses/>.

package tirastore

import "fmt"

// Kind classifies an Error into the closed taxonomy from §7 of the design:
// validation errors never touch the filesystem, engine errors abort the
// enclosing transaction, lock contention and lock-file I/O errors are
// retried up to the deadline.
type Kind int

const (
	// KindInvalidArgument covers malformed schedules, non-finite execution
	// times, and an empty execution_times with is_legal=true.
	KindInvalidArgument Kind = iota
	// KindReadOnlyConnection is returned when a mutating operation is
	// attempted while the CPU profile gate is closed.
	KindReadOnlyConnection
	// KindNotFound is returned by Lookup/Get when the key is absent. Delete
	// does not use it: it reports an absent key as false.
	KindNotFound
	// KindLockUnavailable is returned when the mutex acquire deadline
	// expires.
	KindLockUnavailable
	// KindSchemaIncompatible is returned when an existing database has an
	// unexpected schema_version.
	KindSchemaIncompatible
	// KindStorage wraps a non-retryable error from the SQL engine.
	KindStorage
	// KindIO covers filesystem errors not otherwise classified: creating,
	// stat-ing or chmod-ing the shared directory, and opening or chmod-ing
	// the database file. Errors while acquiring the lock are reported as
	// KindLockUnavailable.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindReadOnlyConnection:
		return "read_only_connection"
	case KindNotFound:
		return "not_found"
	case KindLockUnavailable:
		return "lock_unavailable"
	case KindSchemaIncompatible:
		return "schema_incompatible"
	case KindStorage:
		return "storage"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every public TiraStore operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tirastore: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("tirastore: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, tirastore.ErrNotFound) and similar sentinel
// comparisons scoped to a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func invalidArgument(format string, args ...any) *Error {
	return newErr(KindInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// Sentinels usable with errors.Is for each Kind, e.g.
// errors.Is(err, tirastore.ErrNotFound).
var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrReadOnlyConnection = &Error{Kind: KindReadOnlyConnection}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrLockUnavailable    = &Error{Kind: KindLockUnavailable}
	ErrSchemaIncompatible = &Error{Kind: KindSchemaIncompatible}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrIO                 = &Error{Kind: KindIO}
)
