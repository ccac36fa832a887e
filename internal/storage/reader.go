// Copyright 2022 The Erigon Authors
// (original work: SetTx-scoped transactional reader pattern)
// Copyright 2026 The TiraStore Authors
// (modifications)
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
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by reader lookups that find no matching row. It is
// a sentinel distinct from the storage engine's own sql.ErrNoRows so callers
// outside this package never need to import database/sql to recognise it.
var ErrNotFound = errors.New("storage: not found")

// reader scopes a batch of read queries to a single transaction, mirroring
// the SetTx-style scoping the original history reader used: one reader per
// transaction, never reused across transactions.
type reader struct {
	tx *sql.Tx
}

func newReader(tx *sql.Tx) *reader { return &reader{tx: tx} }

func (r *reader) programExists(programHash string) (bool, error) {
	var one int
	err := r.tx.QueryRow(`SELECT 1 FROM `+TableProgram+` WHERE program_hash = ?`, programHash).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("programExists(%s): %w", programHash, err)
	}
	return true, nil
}

// getProgram reads a program row. It returns ErrNotFound if programHash is
// not registered.
func (r *reader) getProgram(programHash string) (Program, error) {
	var p Program
	err := r.tx.QueryRow(
		`SELECT program_hash, program_name, source_code FROM `+TableProgram+` WHERE program_hash = ?`,
		programHash,
	).Scan(&p.ProgramHash, &p.ProgramName, &p.SourceCode)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Program{}, ErrNotFound
	case err != nil:
		return Program{}, fmt.Errorf("getProgram(%s): %w", programHash, err)
	}
	return p, nil
}

func (r *reader) recordExists(key string) (bool, error) {
	var one int
	err := r.tx.QueryRow(`SELECT 1 FROM `+TableRecord+` WHERE key = ?`, key).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("recordExists(%s): %w", key, err)
	}
	return true, nil
}

// getRecord reads a record row by its derived key. It returns ErrNotFound if
// no record with that key exists.
func (r *reader) getRecord(key string) (Record, error) {
	var rec Record
	var resultJSON string
	err := r.tx.QueryRow(
		`SELECT key, program_hash, schedule, result_json, hostname, username,
		        creation_date, update_date, source_project
		 FROM `+TableRecord+` WHERE key = ?`,
		key,
	).Scan(&rec.Key, &rec.ProgramHash, &rec.Schedule, &resultJSON, &rec.Hostname, &rec.Username,
		&rec.CreationDate, &rec.UpdateDate, &rec.SourceProject)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("getRecord(%x): %w", key, err)
	}
	rec.Result, err = DecodeResultJSON(resultJSON)
	if err != nil {
		return Record{}, fmt.Errorf("getRecord(%x): %w", key, err)
	}
	return rec, nil
}

func (r *reader) countRecords() (int64, error) {
	var n int64
	if err := r.tx.QueryRow(`SELECT COUNT(*) FROM ` + TableRecord).Scan(&n); err != nil {
		return 0, fmt.Errorf("countRecords: %w", err)
	}
	return n, nil
}

func (r *reader) countPrograms() (int64, error) {
	var n int64
	if err := r.tx.QueryRow(`SELECT COUNT(*) FROM ` + TableProgram).Scan(&n); err != nil {
		return 0, fmt.Errorf("countPrograms: %w", err)
	}
	return n, nil
}

func (r *reader) countDistinct(column string) (int64, error) {
	var n int64
	query := `SELECT COUNT(DISTINCT ` + column + `) FROM ` + TableRecord + ` WHERE ` + column + ` != ''`
	if err := r.tx.QueryRow(query).Scan(&n); err != nil {
		return 0, fmt.Errorf("countDistinct(%s): %w", column, err)
	}
	return n, nil
}

// countLegality scans every record's result_json and tallies how many are
// legal versus illegal, per spec §4.3's stats() contract. This is a full
// table scan; acceptable at the few-hundred-ops/second scale spec.md §1
// targets, and no index over a JSON-encoded column would help here anyway.
func (r *reader) countLegality() (legal, illegal int64, err error) {
	rows, err := r.tx.Query(`SELECT result_json FROM ` + TableRecord)
	if err != nil {
		return 0, 0, fmt.Errorf("countLegality: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var resultJSON string
		if err := rows.Scan(&resultJSON); err != nil {
			return 0, 0, fmt.Errorf("countLegality: %w", err)
		}
		res, err := DecodeResultJSON(resultJSON)
		if err != nil {
			return 0, 0, fmt.Errorf("countLegality: %w", err)
		}
		if res.IsLegal {
			legal++
		} else {
			illegal++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("countLegality: %w", err)
	}
	return legal, illegal, nil
}

func (r *reader) listKeys(limit, offset int) ([]string, error) {
	rows, err := r.tx.Query(`SELECT key FROM `+TableRecord+` ORDER BY key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listKeys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("listKeys: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listKeys: %w", err)
	}
	return keys, nil
}

func (r *reader) readMeta(key string) (string, bool, error) {
	var v string
	err := r.tx.QueryRow(`SELECT value FROM `+TableDBMeta+` WHERE key = ?`, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("readMeta(%s): %w", key, err)
	}
	return v, true, nil
}
