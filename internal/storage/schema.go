// Copyright 2021 The Erigon Authors
// (original work: table-name registry pattern)
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

// Package storage implements the C3 storage backend: schema
// initialisation, program deduplication, record upsert/lookup, and
// aggregate statistics, on top of a local transactional SQL engine.
package storage

// Table name registry. Kept as named constants rather than inline string
// literals throughout the package, in the style of a bucket/table registry:
// one place to read to know the whole physical schema.
const (
	TableDBMeta  = "db_meta"
	TableProgram = "programs"
	TableRecord  = "records"
)

// SchemaVersion is the current, and only supported, schema_version. Schema
// upgrade/downgrade is out of scope (spec §6): a mismatch is rejected
// outright rather than migrated.
const SchemaVersion = 2

// db_meta keys.
const (
	metaKeySchemaVersion = "schema_version"
	metaKeyCPUModel      = "cpu_model"
	metaKeySlurmCPUs     = "slurm_cpus"
	metaKeyCreatedAt     = "created_at"
)

const ddl = `
CREATE TABLE IF NOT EXISTS ` + TableDBMeta + ` (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS ` + TableProgram + ` (
	program_hash TEXT PRIMARY KEY,
	program_name TEXT,
	source_code  TEXT
);

CREATE TABLE IF NOT EXISTS ` + TableRecord + ` (
	key             TEXT PRIMARY KEY,
	program_hash    TEXT NOT NULL,
	schedule        TEXT NOT NULL,
	result_json     TEXT NOT NULL,
	hostname        TEXT,
	username        TEXT,
	creation_date   TEXT NOT NULL,
	update_date     TEXT NOT NULL,
	source_project  TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_program_hash ON ` + TableRecord + `(program_hash);
`
