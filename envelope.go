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

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/tirastore/tirastore/internal/cpugate"
	"github.com/tirastore/tirastore/internal/mutex"
	"github.com/tirastore/tirastore/internal/storage"
)

// envelope is the C5 glue: every public Store operation funnels through
// here, in a fixed order — acquire the cross-node mutex, open a fresh
// engine connection, run the operation's storage calls, close the
// connection, release the mutex — so that the filesystem never sees two
// processes with the database file open at once, regardless of whether the
// engine's own locking would have been honoured. Each storage.Store method
// commits its own transaction, so one call runs several (the schema check,
// then e.g. the program and record upserts of Record); they are not wrapped
// in one enclosing transaction.
type envelope struct {
	cfg      Config
	dbPath   string
	lockPath string
}

func newEnvelope(cfg Config) envelope {
	return envelope{
		cfg:      cfg,
		dbPath:   filepath.Join(cfg.Dir, cfg.DBFileName),
		lockPath: filepath.Join(cfg.Dir, cfg.LockFileName),
	}
}

func (e envelope) logger() log.Logger {
	return e.cfg.Logger
}

// txFunc is run once per call, on the engine connection the envelope
// opened; each storage.Store method it calls runs as its own transaction.
// decision reports whether the caller's hardware profile
// matched the one recorded in db_meta; write operations must check
// decision.WritesAllowed themselves before mutating anything, since reads
// are always allowed regardless of profile match.
type txFunc func(ctx context.Context, db *storage.Store, decision cpugate.Decision) (any, error)

// run executes fn under the full C5 sequence. It is the only place in the
// package that acquires the mutex or opens a storage connection.
func (e envelope) run(ctx context.Context, fn txFunc) (any, error) {
	lockCtx := ctx
	if e.cfg.LockAcquireTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, e.cfg.LockAcquireTimeout)
		defer cancel()
	}

	lock := mutex.New(e.lockPath, e.logger())
	if e.cfg.StaleLockTimeout > 0 {
		lock.StaleTimeout = e.cfg.StaleLockTimeout
	}
	if err := lock.Acquire(lockCtx); err != nil {
		return nil, &Error{Kind: KindLockUnavailable, Msg: fmt.Sprintf("acquire lock %s", e.lockPath), Err: err}
	}
	defer lock.Release()

	_, statErr := os.Stat(e.dbPath)
	isNewFile := os.IsNotExist(statErr)

	db, err := storage.Open(ctx, e.dbPath)
	if err != nil {
		return nil, &Error{Kind: KindIO, Msg: fmt.Sprintf("open %s", e.dbPath), Err: err}
	}
	defer db.Close()

	if isNewFile {
		if err := os.Chmod(e.dbPath, dbFileMode); err != nil {
			return nil, &Error{Kind: KindIO, Msg: fmt.Sprintf("chmod %s", e.dbPath), Err: err}
		}
	}

	local := cpugate.Detect(e.cfg.CPUModelOverride, e.cfg.SlurmCPUsOverride)
	meta, err := db.InitIfAbsent(ctx, storage.Meta{CPUModel: local.CPUModel, SlurmCPUs: local.SlurmCPUs})
	if err != nil {
		if errors.Is(err, storage.ErrSchemaIncompatible) {
			return nil, &Error{Kind: KindSchemaIncompatible, Msg: e.dbPath, Err: err}
		}
		return nil, &Error{Kind: KindStorage, Msg: "InitIfAbsent", Err: err}
	}

	decision := cpugate.Evaluate(local, cpugate.Profile{CPUModel: meta.CPUModel, SlurmCPUs: meta.SlurmCPUs}, e.cfg.AllowCPUMismatch)
	if e.logger() != nil && !decision.Matches {
		e.logger().Warn("[tirastore] cpu profile mismatch", "reason", decision.MismatchReason, "writes_allowed", decision.WritesAllowed)
	}

	result, err := fn(ctx, db, decision)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return nil, te
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, Err: err}
		}
		return nil, &Error{Kind: KindStorage, Err: err}
	}
	return result, nil
}
