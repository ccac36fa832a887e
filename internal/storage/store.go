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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// ErrSchemaIncompatible is returned by Open/InitIfAbsent when an existing
// database's schema_version does not match SchemaVersion. Schema migration
// is explicitly out of scope (spec §6): TiraStore never upgrades a database
// in place.
var ErrSchemaIncompatible = errors.New("storage: incompatible schema_version")

// Program is a deduplicated program row: one per distinct program_hash.
type Program struct {
	ProgramHash string
	ProgramName string
	SourceCode  string
}

// Record is one cached measurement, keyed by the canonicalised
// (program_hash, schedule) pair.
type Record struct {
	Key           string
	ProgramHash   string
	Schedule      string
	Result        Result
	Hostname      string
	Username      string
	CreationDate  string
	UpdateDate    string
	SourceProject string
}

// Meta is the database-wide fingerprint stored in db_meta at creation time.
type Meta struct {
	SchemaVersion int
	CPUModel      string
	SlurmCPUs     string
	CreatedAt     string
}

// Stats is the aggregate view returned by Store.Stats.
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

// Store is a handle to one SQL engine file. It is not pooled or shared
// across transactions: spec §4.5 opens one connection per transaction
// envelope invocation and closes it before releasing the hard-link mutex,
// so mutual exclusion never has to be mediated by the engine itself.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens path with the pragma settings required by spec §4.3: rollback
// journal (not WAL, which needs shared memory this filesystem class does
// not support), synchronous=FULL for durability, and busy_timeout=0 because
// contention is resolved entirely by the hard-link mutex, never by the
// engine's own busy-wait.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 0",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying connection. Callers must not use Store
// after Close.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitIfAbsent creates the schema if the database is empty and records
// meta's fingerprint; if the database already has a schema_version, it is
// compared against SchemaVersion and ErrSchemaIncompatible is returned on
// mismatch. The stored Meta is always returned, whether freshly created or
// pre-existing.
func (s *Store) InitIfAbsent(ctx context.Context, meta Meta) (Meta, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("storage: InitIfAbsent: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return Meta{}, pkgerrors.Wrap(err, "storage: InitIfAbsent: create schema")
	}

	r := newReader(tx)
	existing, ok, err := r.readMeta(metaKeySchemaVersion)
	if err != nil {
		return Meta{}, pkgerrors.Wrap(err, "storage: InitIfAbsent: read schema_version")
	}
	if ok {
		stored, cpuModel, slurmCPUs, createdAt, err := readExistingMeta(r)
		if err != nil {
			return Meta{}, err
		}
		if stored != SchemaVersion {
			return Meta{}, fmt.Errorf("%w: database has %d, this build expects %d", ErrSchemaIncompatible, stored, SchemaVersion)
		}
		return Meta{SchemaVersion: stored, CPUModel: cpuModel, SlurmCPUs: slurmCPUs, CreatedAt: createdAt}, nil
	}

	if meta.CreatedAt == "" {
		meta.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	meta.SchemaVersion = SchemaVersion
	rows := [][2]string{
		{metaKeySchemaVersion, fmt.Sprintf("%d", meta.SchemaVersion)},
		{metaKeyCPUModel, meta.CPUModel},
		{metaKeySlurmCPUs, meta.SlurmCPUs},
		{metaKeyCreatedAt, meta.CreatedAt},
	}
	for _, kv := range rows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+TableDBMeta+`(key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return Meta{}, pkgerrors.Wrapf(err, "storage: InitIfAbsent: write %s", kv[0])
		}
	}
	if err := tx.Commit(); err != nil {
		return Meta{}, fmt.Errorf("storage: InitIfAbsent: commit: %w", err)
	}
	return meta, nil
}

func readExistingMeta(r *reader) (schemaVersion int, cpuModel, slurmCPUs, createdAt string, err error) {
	sv, _, err := r.readMeta(metaKeySchemaVersion)
	if err != nil {
		return 0, "", "", "", err
	}
	fmt.Sscanf(sv, "%d", &schemaVersion)
	cpuModel, _, err = r.readMeta(metaKeyCPUModel)
	if err != nil {
		return 0, "", "", "", err
	}
	slurmCPUs, _, err = r.readMeta(metaKeySlurmCPUs)
	if err != nil {
		return 0, "", "", "", err
	}
	createdAt, _, err = r.readMeta(metaKeyCreatedAt)
	if err != nil {
		return 0, "", "", "", err
	}
	return schemaVersion, cpuModel, slurmCPUs, createdAt, nil
}

// ReadMeta returns the database's recorded fingerprint without creating or
// checking the schema. The envelope does not call it: the CPU profile gate
// compares against the Meta returned by InitIfAbsent.
func (s *Store) ReadMeta(ctx context.Context) (Meta, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Meta{}, fmt.Errorf("storage: ReadMeta: begin: %w", err)
	}
	defer tx.Rollback()
	r := newReader(tx)
	sv, cpuModel, slurmCPUs, createdAt, err := readExistingMeta(r)
	if err != nil {
		return Meta{}, err
	}
	return Meta{SchemaVersion: sv, CPUModel: cpuModel, SlurmCPUs: slurmCPUs, CreatedAt: createdAt}, nil
}

// Lookup returns the record for key, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, key string) (Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Record{}, fmt.Errorf("storage: Lookup: begin: %w", err)
	}
	defer tx.Rollback()
	return newReader(tx).getRecord(key)
}

// Contains reports whether key has a cached record, without decoding it.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return false, fmt.Errorf("storage: Contains: begin: %w", err)
	}
	defer tx.Rollback()
	return newReader(tx).recordExists(key)
}

// UpsertProgram registers prog if its program_hash is not already known.
// Existing rows are left untouched: program source/name are immutable once
// recorded, since the hash already commits to the content (spec §2).
func (s *Store) UpsertProgram(ctx context.Context, prog Program) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: UpsertProgram: begin: %w", err)
	}
	defer tx.Rollback()

	exists, err := newReader(tx).programExists(prog.ProgramHash)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+TableProgram+`(program_hash, program_name, source_code) VALUES (?, ?, ?)`,
			prog.ProgramHash, prog.ProgramName, prog.SourceCode,
		); err != nil {
			return pkgerrors.Wrap(err, "storage: UpsertProgram: insert")
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: UpsertProgram: commit: %w", err)
	}
	return nil
}

// UpsertRecord inserts rec if its key is absent. If the key already exists,
// it is left untouched and (existing row, false, nil) is returned unless
// overwrite is set, in which case the row is replaced, creation_date is
// preserved, and update_date is rewritten to now. The returned bool reports
// whether a write actually happened, per spec §4.3's upsert_record contract.
func (s *Store) UpsertRecord(ctx context.Context, rec Record, now time.Time, overwrite bool) (Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("storage: UpsertRecord: begin: %w", err)
	}
	defer tx.Rollback()

	r := newReader(tx)
	existing, err := r.getRecord(rec.Key)
	switch {
	case errors.Is(err, ErrNotFound):
		rec.CreationDate = now.UTC().Format(time.RFC3339)
	case err != nil:
		return Record{}, false, err
	case !overwrite:
		return existing, false, nil
	default:
		rec.CreationDate = existing.CreationDate
	}
	rec.UpdateDate = now.UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+TableRecord+`(key, program_hash, schedule, result_json, hostname, username,
		                              creation_date, update_date, source_project)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   result_json = excluded.result_json,
		   hostname = excluded.hostname,
		   username = excluded.username,
		   update_date = excluded.update_date,
		   source_project = excluded.source_project`,
		rec.Key, rec.ProgramHash, rec.Schedule, rec.Result.EncodeJSON(), rec.Hostname, rec.Username,
		rec.CreationDate, rec.UpdateDate, rec.SourceProject,
	)
	if err != nil {
		return Record{}, false, pkgerrors.Wrap(err, "storage: UpsertRecord: upsert")
	}
	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("storage: UpsertRecord: commit: %w", err)
	}
	return rec, true, nil
}

// Delete removes the record at key. It is not an error for key to be
// absent; Delete reports whether a row was actually removed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: Delete: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM `+TableRecord+` WHERE key = ?`, key)
	if err != nil {
		return false, pkgerrors.Wrap(err, "storage: Delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: Delete: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: Delete: commit: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of cached records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("storage: Count: begin: %w", err)
	}
	defer tx.Rollback()
	return newReader(tx).countRecords()
}

// ProgramCount returns the number of distinct registered programs.
func (s *Store) ProgramCount(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("storage: ProgramCount: begin: %w", err)
	}
	defer tx.Rollback()
	return newReader(tx).countPrograms()
}

// Keys returns up to limit record keys, in lexicographic order, starting
// after offset keys — a stable pagination cursor suitable for the unordered,
// append-mostly workload this store serves.
func (s *Store) Keys(ctx context.Context, limit, offset int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("storage: Keys: begin: %w", err)
	}
	defer tx.Rollback()
	return newReader(tx).listKeys(limit, offset)
}

// Get is an alias for Lookup matching spec §5's get(key) operation name.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	return s.Lookup(ctx, key)
}

// Stats returns the aggregate counters from spec §5's stats() operation.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Stats{}, fmt.Errorf("storage: Stats: begin: %w", err)
	}
	defer tx.Rollback()
	r := newReader(tx)

	records, err := r.countRecords()
	if err != nil {
		return Stats{}, err
	}
	programs, err := r.countPrograms()
	if err != nil {
		return Stats{}, err
	}
	legal, illegal, err := r.countLegality()
	if err != nil {
		return Stats{}, err
	}
	users, err := r.countDistinct("username")
	if err != nil {
		return Stats{}, err
	}
	projects, err := r.countDistinct("source_project")
	if err != nil {
		return Stats{}, err
	}
	cpuModel, _, err := r.readMeta(metaKeyCPUModel)
	if err != nil {
		return Stats{}, err
	}
	slurmCPUs, _, err := r.readMeta(metaKeySlurmCPUs)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalRecords:     records,
		TotalPrograms:    programs,
		LegalRecords:     legal,
		IllegalRecords:   illegal,
		DistinctUsers:    users,
		DistinctProjects: projects,
		CPUModel:         cpuModel,
		SlurmCPUs:        slurmCPUs,
	}, nil
}
