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

// Package tirastore implements a shared, content-addressed lookup table of
// program-execution measurements for an HPC autoscheduler, backed by a
// local SQL engine file on a parallel network filesystem where advisory
// locking is unreliable but hard-link creation is atomic.
//
// A Store is cheap to construct and holds no persistent file handles: every
// operation opens its own engine connection under the cross-node hard-link
// mutex and closes it again before returning, per the transaction envelope
// described in the design notes.
package tirastore

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/sync/singleflight"

	"github.com/tirastore/tirastore/internal/canon"
	"github.com/tirastore/tirastore/internal/cpugate"
	"github.com/tirastore/tirastore/internal/storage"
)

// Result is the measurement payload callers record and read back: legality
// of the schedule under whatever criteria the caller applies, and the
// wall-clock execution times observed for it.
type Result struct {
	IsLegal        bool
	ExecutionTimes []float64
}

// Record is one cached lookup-table entry, returned by Lookup and Get.
type Record struct {
	Key           string
	ProgramHash   string
	Schedule      string
	Result        Result
	Hostname      string
	Username      string
	CreationDate  time.Time
	UpdateDate    time.Time
	SourceProject string
}

// PutRequest is the input to Put and Record: a program/schedule pair
// together with the measurement to write against its derived key.
type PutRequest struct {
	ProgramSource string
	ProgramName   string
	Schedule      string
	Result        Result
	Hostname      string
	Username      string
	SourceProject string

	// Overwrite controls what Record does when the derived key already has
	// a row: false (the default, matching spec §4.3's upsert_record
	// contract) leaves the existing row untouched and reports wrote=false;
	// true replaces it, preserving CreationDate and refreshing UpdateDate.
	// Put ignores this field and always behaves as if it were true.
	Overwrite bool
}

// Stats is the aggregate view returned by Stats.
type Stats struct {
	TotalRecords     int64
	TotalPrograms    int64
	LegalRecords     int64
	IllegalRecords   int64
	DistinctUsers    int64
	DistinctProjects int64
	CPUModel         string
	SlurmCPUs        string
}

// Store is the public handle to one shared lookup table.
type Store struct {
	env envelope
	sf  singleflight.Group
}

// dirMode and dbFileMode are the filesystem permissions spec §3/§6 require:
// a world-writable, sticky-bit shared directory (so any worker's user can
// create the lock and temp files hard-link acquisition needs) and a
// world-readable/writable database file. Both are set at creation time only
// and never subsequently enforced.
const (
	dirMode    os.FileMode = os.ModeSticky | 0o777
	dbFileMode os.FileMode = 0o666
)

// Open returns a Store for the directory and settings described by cfg,
// creating Dir with mode 01777 if it does not already exist. It otherwise
// does not touch the filesystem: the database file and its schema are
// created lazily, under the mutex, on the first operation.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, invalidArgument("Config.Dir must not be empty")
	}
	info, err := os.Stat(cfg.Dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(cfg.Dir, dirMode); err != nil {
			return nil, &Error{Kind: KindIO, Msg: fmt.Sprintf("create Dir %s", cfg.Dir), Err: err}
		}
		if err := os.Chmod(cfg.Dir, dirMode); err != nil {
			return nil, &Error{Kind: KindIO, Msg: fmt.Sprintf("chmod Dir %s", cfg.Dir), Err: err}
		}
	case err != nil:
		return nil, &Error{Kind: KindIO, Msg: fmt.Sprintf("stat Dir %s", cfg.Dir), Err: err}
	case !info.IsDir():
		return nil, &Error{Kind: KindIO, Msg: fmt.Sprintf("Dir %s is not a directory", cfg.Dir)}
	}
	return &Store{env: newEnvelope(cfg)}, nil
}

// recordResult is the (Record, wrote) pair threaded back out of the
// envelope closure for Record and Put.
type recordResult struct {
	rec   storage.Record
	wrote bool
}

// Record derives req's record key from its program source and schedule,
// validates the schedule grammar and the result payload, and writes the
// record, creating the backing program row if this is the first time its
// content has been seen. If a row already exists under the derived key and
// req.Overwrite is false, the existing row is left untouched and wrote is
// false (spec §4.3 upsert_record, §8 testable property 3); if req.Overwrite
// is true, the row is replaced, its CreationDate preserved and UpdateDate
// refreshed (testable property 4). Record fails with KindReadOnlyConnection
// if the local hardware profile does not match the one recorded when the
// database was created, unless the Store was configured with
// WithAllowCPUMismatch.
func (s *Store) Record(ctx context.Context, req PutRequest) (rec Record, wrote bool, err error) {
	if req.ProgramSource == "" {
		return Record{}, false, invalidArgument("ProgramSource must not be empty")
	}
	if err := validateResult(req.Result, s.env.cfg.MaxResultBytes); err != nil {
		return Record{}, false, err
	}

	key, normalizedSchedule, err := canon.RecordKey(req.ProgramSource, req.Schedule)
	if err != nil {
		return Record{}, false, invalidArgument("invalid schedule: %v", err)
	}
	programHash := canon.ProgramHash(req.ProgramSource)

	out, err := s.env.run(ctx, func(ctx context.Context, db *storage.Store, decision cpugate.Decision) (any, error) {
		if !decision.WritesAllowed {
			return nil, &Error{Kind: KindReadOnlyConnection, Msg: decision.MismatchReason}
		}
		if err := db.UpsertProgram(ctx, storage.Program{
			ProgramHash: programHash,
			ProgramName: req.ProgramName,
			SourceCode:  req.ProgramSource,
		}); err != nil {
			return nil, err
		}
		storedRec, wrote, err := db.UpsertRecord(ctx, storage.Record{
			Key:           key,
			ProgramHash:   programHash,
			Schedule:      normalizedSchedule,
			Result:        storage.Result{IsLegal: req.Result.IsLegal, ExecutionTimes: req.Result.ExecutionTimes},
			Hostname:      req.Hostname,
			Username:      req.Username,
			SourceProject: req.SourceProject,
		}, time.Now(), req.Overwrite)
		if err != nil {
			return nil, err
		}
		return recordResult{rec: storedRec, wrote: wrote}, nil
	})
	if err != nil {
		return Record{}, false, err
	}
	rr := out.(recordResult)
	return toPublicRecord(rr.rec), rr.wrote, nil
}

// Put is the always-overwrite convenience form of Record: it writes req
// unconditionally, matching spec §3's last-writer-wins put() operation.
func (s *Store) Put(ctx context.Context, req PutRequest) (Record, error) {
	req.Overwrite = true
	rec, _, err := s.Record(ctx, req)
	return rec, err
}

// Lookup returns the record stored under key, or an Error of KindNotFound.
// Concurrent Lookup calls for the same key on the same Store are
// collapsed into a single engine round trip; separate Store values do not
// share this.
func (s *Store) Lookup(ctx context.Context, key string) (Record, error) {
	out, err, _ := s.sf.Do(key, func() (any, error) {
		return s.env.run(ctx, func(ctx context.Context, db *storage.Store, _ cpugate.Decision) (any, error) {
			return db.Lookup(ctx, key)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return toPublicRecord(out.(storage.Record)), nil
}

// Get is an alias for Lookup matching the get(key) operation name.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	return s.Lookup(ctx, key)
}

// Contains reports whether key has a cached record, without decoding it.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	out, err := s.env.run(ctx, func(ctx context.Context, db *storage.Store, _ cpugate.Decision) (any, error) {
		return db.Contains(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

// Delete removes the record stored under key. It reports whether a record
// was actually removed; removing an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	out, err := s.env.run(ctx, func(ctx context.Context, db *storage.Store, decision cpugate.Decision) (any, error) {
		if !decision.WritesAllowed {
			return nil, &Error{Kind: KindReadOnlyConnection, Msg: decision.MismatchReason}
		}
		return db.Delete(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

// Keys returns up to limit record keys in lexicographic order, starting
// after the first offset keys.
func (s *Store) Keys(ctx context.Context, limit, offset int) ([]string, error) {
	out, err := s.env.run(ctx, func(ctx context.Context, db *storage.Store, _ cpugate.Decision) (any, error) {
		return db.Keys(ctx, limit, offset)
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

// Count returns the number of cached records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	out, err := s.env.run(ctx, func(ctx context.Context, db *storage.Store, _ cpugate.Decision) (any, error) {
		return db.Count(ctx)
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// ProgramCount returns the number of distinct registered programs.
func (s *Store) ProgramCount(ctx context.Context) (int64, error) {
	out, err := s.env.run(ctx, func(ctx context.Context, db *storage.Store, _ cpugate.Decision) (any, error) {
		return db.ProgramCount(ctx)
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// Stats returns the aggregate counters and recorded hardware fingerprint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	out, err := s.env.run(ctx, func(ctx context.Context, db *storage.Store, _ cpugate.Decision) (any, error) {
		return db.Stats(ctx)
	})
	if err != nil {
		return Stats{}, err
	}
	st := out.(storage.Stats)
	return Stats{
		TotalRecords:     st.TotalRecords,
		TotalPrograms:    st.TotalPrograms,
		LegalRecords:     st.LegalRecords,
		IllegalRecords:   st.IllegalRecords,
		DistinctUsers:    st.DistinctUsers,
		DistinctProjects: st.DistinctProjects,
		CPUModel:         st.CPUModel,
		SlurmCPUs:        st.SlurmCPUs,
	}, nil
}

func validateResult(r Result, maxBytes datasize.ByteSize) error {
	if !r.IsLegal && len(r.ExecutionTimes) > 0 {
		return invalidArgument("an illegal schedule must not carry execution times")
	}
	if r.IsLegal && len(r.ExecutionTimes) == 0 {
		return invalidArgument("a legal schedule must carry at least one execution time")
	}
	for _, t := range r.ExecutionTimes {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return invalidArgument("execution time %v is not finite", t)
		}
		if t < 0 {
			return invalidArgument("execution time %v must not be negative", t)
		}
	}
	if maxBytes > 0 {
		encoded := storage.Result{IsLegal: r.IsLegal, ExecutionTimes: r.ExecutionTimes}.EncodeJSON()
		if datasize.ByteSize(len(encoded)) > maxBytes {
			return invalidArgument("result payload of %d bytes exceeds MaxResultBytes (%s)", len(encoded), maxBytes)
		}
	}
	return nil
}

func toPublicRecord(rec storage.Record) Record {
	creation, _ := time.Parse(time.RFC3339, rec.CreationDate)
	update, _ := time.Parse(time.RFC3339, rec.UpdateDate)
	return Record{
		Key:           rec.Key,
		ProgramHash:   rec.ProgramHash,
		Schedule:      rec.Schedule,
		Result:        Result{IsLegal: rec.Result.IsLegal, ExecutionTimes: rec.Result.ExecutionTimes},
		Hostname:      rec.Hostname,
		Username:      rec.Username,
		CreationDate:  creation,
		UpdateDate:    update,
		SourceProject: rec.SourceProject,
	}
}
